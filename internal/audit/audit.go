package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ctos/internal/driver"
)

// EventKind 为审计事件类型。
type EventKind string

const (
	KindOrderPlaced   EventKind = "order_placed"
	KindOrderAmended  EventKind = "order_amended"
	KindOrderCanceled EventKind = "order_canceled"
	KindOrderUpdate   EventKind = "order_update"
	KindBatchStarted  EventKind = "batch_started"
	KindBatchFinished EventKind = "batch_finished"
	KindRiskDenied    EventKind = "risk_denied"
	KindChannelState  EventKind = "channel_state"
)

// Event 为单条审计记录。凭证类字段永远不会出现在这里。
type Event struct {
	Time    time.Time
	Kind    EventKind
	Venue   string
	Account string
	Symbol  string
	OrderID string
	Side    driver.Side
	Size    float64
	Price   float64
	Detail  string
}

// Sink 接收审计事件。实现方必须容忍并发调用，失败不得影响执行主路径。
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// ZapSink 把审计事件写入结构化日志。
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 创建日志审计落点。
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// Record 实现 Sink。
func (s *ZapSink) Record(ctx context.Context, ev Event) {
	s.logger.Info("审计事件",
		zap.String("kind", string(ev.Kind)),
		zap.String("venue", ev.Venue),
		zap.String("account", ev.Account),
		zap.String("symbol", ev.Symbol),
		zap.String("order_id", ev.OrderID),
		zap.String("side", string(ev.Side)),
		zap.Float64("size", ev.Size),
		zap.Float64("price", ev.Price),
		zap.String("detail", ev.Detail),
	)
}

// MultiSink 把事件广播给多个落点。
type MultiSink []Sink

// Record 实现 Sink。
func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// NopSink 丢弃全部事件，测试用。
type NopSink struct{}

// Record 实现 Sink。
func (NopSink) Record(ctx context.Context, ev Event) {}
