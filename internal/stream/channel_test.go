package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ctos/internal/driver"
)

type fakeSession struct {
	wsURL string

	mu         sync.Mutex
	keys       []string
	keepalives int
}

func (s *fakeSession) CreateListenKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("lk-%d", len(s.keys)+1)
	s.keys = append(s.keys, key)
	return key, nil
}

func (s *fakeSession) KeepaliveListenKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

func (s *fakeSession) StreamURL(key string) string {
	return s.wsURL + "?listenKey=" + key
}

func (s *fakeSession) DecodeMessage(raw []byte) (driver.OrderUpdateEvent, MessageKind) {
	var msg struct {
		Type    string  `json:"type"`
		OrderID string  `json:"order_id"`
		Filled  float64 `json:"filled"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return driver.OrderUpdateEvent{}, KindIgnore
	}
	switch msg.Type {
	case "order":
		return driver.OrderUpdateEvent{
			VenueOrderID: msg.OrderID,
			Status:       driver.StatusFilled,
			FilledSize:   msg.Filled,
			Timestamp:    time.Now().UTC(),
		}, KindOrderUpdate
	case "expired":
		return driver.OrderUpdateEvent{}, KindSessionExpired
	default:
		return driver.OrderUpdateEvent{}, KindIgnore
	}
}

func (s *fakeSession) keyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *fakeSession) keepaliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

var upgrader = websocket.Upgrader{}

// newWSServer 为每个连接调用一次 script，返回 ws:// 地址。
func newWSServer(t *testing.T, script func(conn *websocket.Conn, connNum int)) *fakeServerHandle {
	t.Helper()
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		script(conn, int(connCount.Add(1)))
	}))
	t.Cleanup(srv.Close)

	return &fakeServerHandle{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

type fakeServerHandle struct {
	url string
}

// holdOpen 阻塞到对端关闭连接为止。
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func fastConfig() Config {
	return Config{
		KeepaliveInterval:     time.Hour,
		LivenessWindow:        time.Hour,
		LivenessCheckInterval: time.Hour,
		ReconnectMinDelay:     10 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
		DialTimeout:           time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestChannelDeliversOrderUpdates(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, connNum int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order","order_id":"1","filled":0.5}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noise"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order","order_id":"2","filled":1}`))
		holdOpen(conn)
	})

	session := &fakeSession{wsURL: server.url}
	var mu sync.Mutex
	var events []driver.OrderUpdateEvent
	sink := driver.UpdateSinkFunc(func(ev driver.OrderUpdateEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ch := NewChannel(session, sink, fastConfig(), nil)
	ch.Start(context.Background())
	defer ch.Close()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, "two order updates")

	mu.Lock()
	defer mu.Unlock()
	if events[0].VenueOrderID != "1" || events[1].VenueOrderID != "2" {
		t.Fatalf("events out of order or wrong: %+v", events)
	}
	if ch.State() != StateListening {
		t.Fatalf("expected listening state, got %s", ch.State())
	}
}

func TestChannelSessionExpiredReauthenticates(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, connNum int) {
		if connNum == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order","order_id":"before","filled":1}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"expired"}`))
			holdOpen(conn)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order","order_id":"after","filled":1}`))
		holdOpen(conn)
	})

	session := &fakeSession{wsURL: server.url}
	var mu sync.Mutex
	var events []string
	sink := driver.UpdateSinkFunc(func(ev driver.OrderUpdateEvent) {
		mu.Lock()
		events = append(events, ev.VenueOrderID)
		mu.Unlock()
	})

	var stateMu sync.Mutex
	var transitions []string
	ch := NewChannel(session, sink, fastConfig(), nil)
	ch.OnStateChange = func(from, to State) {
		stateMu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		stateMu.Unlock()
	}
	ch.Start(context.Background())
	defer ch.Close()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, "update before and after session expiry")

	mu.Lock()
	if events[0] != "before" || events[1] != "after" {
		t.Fatalf("unexpected events: %v", events)
	}
	mu.Unlock()

	// A new session credential must have been derived for the reconnect.
	if session.keyCount() != 2 {
		t.Fatalf("expected 2 listen keys, got %d", session.keyCount())
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	joined := strings.Join(transitions, " ")
	if strings.Count(joined, "disconnected>authenticating") < 2 {
		t.Fatalf("expected re-authentication after expiry, transitions: %s", joined)
	}
	if !strings.Contains(joined, "connected>listening") {
		t.Fatalf("channel never reached listening: %s", joined)
	}
}

func TestChannelKeepalive(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, connNum int) {
		holdOpen(conn)
	})

	cfg := fastConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond

	session := &fakeSession{wsURL: server.url}
	ch := NewChannel(session, driver.UpdateSinkFunc(func(driver.OrderUpdateEvent) {}), cfg, nil)
	ch.Start(context.Background())
	defer ch.Close()

	waitFor(t, 3*time.Second, func() bool {
		return session.keepaliveCount() >= 2
	}, "periodic keepalive")
}

func TestChannelCloseStops(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn, connNum int) {
		holdOpen(conn)
	})

	session := &fakeSession{wsURL: server.url}
	ch := NewChannel(session, driver.UpdateSinkFunc(func(driver.OrderUpdateEvent) {}), fastConfig(), nil)
	ch.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		return ch.State() == StateListening
	}, "channel listening")

	ch.Close()
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", ch.State())
	}
}

func TestChannelBackoffResetsAfterListening(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connCount.Add(1)
		// Early connections are refused so the backoff climbs to its cap.
		if n <= 5 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		msg := fmt.Sprintf(`{"type":"order","order_id":"%d","filled":1}`, n)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig()
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond

	session := &fakeSession{wsURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	var mu sync.Mutex
	var arrivals []time.Time
	sink := driver.UpdateSinkFunc(func(driver.OrderUpdateEvent) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
	})

	ch := NewChannel(session, sink, cfg, nil)
	ch.Start(context.Background())
	defer ch.Close()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(arrivals) >= 2
	}, "events from two consecutive sessions")

	// The failed dials pinned the delay at 200ms. The first successful
	// session must reset it, so the next reconnect arrives well under the cap.
	mu.Lock()
	gap := arrivals[1].Sub(arrivals[0])
	mu.Unlock()
	if gap >= cfg.ReconnectMaxDelay {
		t.Fatalf("reconnect after a listening session took %v, backoff was not reset", gap)
	}
}
