package driver

import (
	"context"
	"errors"
	"fmt"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrNotionalTooSmall 表示名义金额在放大重试后仍不足一手。
	ErrNotionalTooSmall = errors.New("notional too small for venue lot size")
	// ErrStaleOrder 表示改单/撤单目标已不存在（已成交或已撤销）。
	ErrStaleOrder = errors.New("order no longer exists")
	// ErrChannelDisconnected 表示推送通道不可用，驱动应降级为轮询。
	ErrChannelDisconnected = errors.New("order update channel disconnected")
	// ErrTimeout 表示网络调用超出预算。
	ErrTimeout = errors.New("venue call timed out")
	// ErrTransient 表示交易所侧瞬时故障（5xx、限频），可在驱动边界内重试。
	ErrTransient = errors.New("transient venue failure")
)

// VenueError 为交易所层面的业务拒绝（精度错误、余额不足、无效交易对等）。
// 业务拒绝永远不自动重试。
type VenueError struct {
	Venue   string
	Code    string
	Message string
}

// Error 实现 error。
func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected: [%s] %s", e.Venue, e.Code, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Venue, e.Message)
}

// IsVenueRejected 判断错误是否为业务拒绝。
func IsVenueRejected(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve)
}

// IsRetryable 判断错误是否可在驱动边界内重试一次。
// 业务拒绝与上下文取消不可重试；网络与限频类错误可以。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsVenueRejected(err) || errors.Is(err, ErrStaleOrder) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
