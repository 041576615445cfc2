package risk

import "errors"

// 风控拒绝原因。路由层按账户透出，绝不自动重试。
var (
	ErrKillSwitchActive       = errors.New("risk: 全局熔断已激活")
	ErrInstrumentNotAllowed   = errors.New("risk: 标的不在账户白名单内")
	ErrLeverageExceeded       = errors.New("risk: 杠杆超过上限")
	ErrPositionSizeExceeded   = errors.New("risk: 仓位规模超过上限")
	ErrRateLimitExceeded      = errors.New("risk: 交易频率超过上限")
	ErrDailyLossLimitExceeded = errors.New("risk: 当日亏损超过上限")
)

// IsRejection 判断错误是否属于风控拒绝。
func IsRejection(err error) bool {
	switch {
	case errors.Is(err, ErrKillSwitchActive),
		errors.Is(err, ErrInstrumentNotAllowed),
		errors.Is(err, ErrLeverageExceeded),
		errors.Is(err, ErrPositionSizeExceeded),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrDailyLossLimitExceeded):
		return true
	default:
		return false
	}
}
