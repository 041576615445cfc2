package exchange

import "errors"

var (
	// ErrNonceMismatch 表示交易所判定序列号已过期，可在资源内重试。
	ErrNonceMismatch = errors.New("exchange: 序列号不匹配")
	// ErrOrderSubmissionFailed 表示重试预算耗尽后下单仍然失败。
	ErrOrderSubmissionFailed = errors.New("exchange: 订单提交失败")
	// ErrConnectRetryExceeded 表示账户连接重建次数超过上限。
	ErrConnectRetryExceeded = errors.New("exchange: 连接重试次数超限")
)

// IsNonceMismatch 判断错误是否为序列号过期。
func IsNonceMismatch(err error) bool {
	return errors.Is(err, ErrNonceMismatch)
}
