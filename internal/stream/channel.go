package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ctos/internal/driver"
)

// State 为推送通道状态，始终可观测，不会低于 Disconnected。
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
	StateListening
)

// String 实现 fmt.Stringer。
func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	default:
		return "disconnected"
	}
}

// MessageKind 为入站消息分类结果。
type MessageKind int

const (
	// KindIgnore 表示与订单无关的消息，忽略且不断开连接。
	KindIgnore MessageKind = iota
	// KindOrderUpdate 表示订单生命周期事件。
	KindOrderUpdate
	// KindSessionExpired 表示服务端单方面作废了会话凭证，必须从头重连。
	KindSessionExpired
)

// Session 由各交易所驱动实现，负责会话凭证的派生、续期与消息解码。
// 打开推送连接用的是派生出的短期凭证，长期密钥绝不出现在连接层。
type Session interface {
	// CreateListenKey 用长期凭证签名派生一个短期会话凭证。
	CreateListenKey(ctx context.Context) (string, error)
	// KeepaliveListenKey 在有效期中点延长会话凭证。
	KeepaliveListenKey(ctx context.Context, key string) error
	// StreamURL 返回携带会话凭证的推送地址。
	StreamURL(key string) string
	// DecodeMessage 分类入站消息并在订单事件时完成归一化。
	DecodeMessage(raw []byte) (driver.OrderUpdateEvent, MessageKind)
}

// Config 控制保活与重连节奏。
type Config struct {
	// KeepaliveInterval 为凭证续期间隔，应取有效期的一半左右。
	KeepaliveInterval time.Duration
	// LivenessWindow 为允许的最长服务端静默时间，超过则判定连接异常。
	LivenessWindow time.Duration
	// LivenessCheckInterval 为静默检查周期。
	LivenessCheckInterval time.Duration
	// ReconnectMinDelay / ReconnectMaxDelay 为重连退避上下界。
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	// DialTimeout 为单次握手超时。
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Minute
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 10 * time.Minute
	}
	if c.LivenessCheckInterval <= 0 {
		c.LivenessCheckInterval = time.Minute
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Channel 为签名会话式订单推送通道。
// 生命周期: Disconnected → Authenticating → Connected → Listening，
// 凭证过期或静默超限时拆除连接并从 Authenticating 重新开始。
type Channel struct {
	session Session
	sink    driver.UpdateSink
	cfg     Config
	logger  *zap.Logger

	// OnStateChange 在状态迁移后被调用，供审计接入，可为 nil。
	OnStateChange func(from, to State)

	state    atomic.Int32
	lastSeen atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel 创建推送通道，调用 Start 后开始工作。
func NewChannel(session Session, sink driver.UpdateSink, cfg Config, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Channel{
		session: session,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
	}
}

// State 返回当前通道状态。
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Start 启动通道后台循环，重复调用无效果。
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Close 停止通道并等待后台循环退出。
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Channel) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Info("推送通道状态变更",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

func (c *Channel) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	delay := c.cfg.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		// 会话曾经进入监听态说明上一轮退避参数有效，重连从最小间隔重新开始。
		if c.State() == StateListening {
			delay = c.cfg.ReconnectMinDelay
		}
		if err != nil {
			c.logger.Warn("推送通道会话结束，准备重连",
				zap.Duration("wait", delay),
				zap.Error(err),
			)
		}

		c.setState(StateDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// connectOnce 完成一次 认证→连接→监听 的完整会话，返回时连接已关闭。
func (c *Channel) connectOnce(ctx context.Context) error {
	c.setState(StateAuthenticating)

	listenKey, err := c.session.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.session.StreamURL(listenKey), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setState(StateConnected)
	c.touch()

	// 服务端心跳既是保活也是活性信号。
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	keepCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go c.keepaliveLoop(keepCtx, conn, listenKey)

	c.setState(StateListening)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.touch()

		ev, kind := c.session.DecodeMessage(raw)
		switch kind {
		case KindOrderUpdate:
			if c.sink != nil {
				c.sink.OnOrderUpdate(ev)
			}
		case KindSessionExpired:
			// 凭证已被服务端作废，必须重新派生后从头重连。
			c.logger.Warn("会话凭证过期，重新认证")
			return driver.ErrChannelDisconnected
		}
	}
}

// keepaliveLoop 定期续期会话凭证并检查服务端静默时长，
// 任一失败都关闭连接迫使主循环重新认证。
func (c *Channel) keepaliveLoop(ctx context.Context, conn *websocket.Conn, listenKey string) {
	keepalive := time.NewTicker(c.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	liveness := time.NewTicker(c.cfg.LivenessCheckInterval)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := c.session.KeepaliveListenKey(ctx, listenKey); err != nil {
				c.logger.Warn("会话凭证续期失败，断开重连", zap.Error(err))
				conn.Close()
				return
			}
			c.logger.Debug("会话凭证续期成功")
		case <-liveness.C:
			last := time.Unix(0, c.lastSeen.Load())
			if silent := time.Since(last); silent > c.cfg.LivenessWindow {
				c.logger.Warn("服务端静默超限，断开重连", zap.Duration("silent", silent))
				conn.Close()
				return
			}
		}
	}
}
