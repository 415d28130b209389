package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/guardrail/pkg/models"
)

// StreamState is the lifecycle state of a stream connection.
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamConnected    StreamState = "CONNECTED"
	StreamClosing      StreamState = "CLOSING"
	StreamClosed       StreamState = "CLOSED"
)

// StreamConfig tunes a stream connection.
type StreamConfig struct {
	URL                string        // e.g. wss://fstream.example.com
	KeepAliveInterval  time.Duration // client ping cadence, default 30s
	MaxReconnects      int           // default 10
	ReconnectBaseDelay time.Duration // default 1s
	HandshakeTimeout   time.Duration // default 10s
}

func (c *StreamConfig) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// EventHandler receives dispatched stream events. Handlers run on the read
// goroutine, strictly in arrival order; duplicates are possible after a
// reconnect because the exchange may replay recent history.
type EventHandler func(models.StreamEvent)

type subscription struct {
	eventType string // "" matches every event
	handler   EventHandler
}

// Stream is a long-lived user-data stream connection: connect, keepalive,
// JSON dispatch, and capped exponential reconnect. One instance per session;
// Close is terminal.
type Stream struct {
	cfg    StreamConfig
	logger *logrus.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        StreamState
	listenKey    string
	attempts     int
	reconnecting bool
	closed       bool
	ctx          context.Context
	pingStop     chan struct{}

	subsMu sync.RWMutex
	subs   map[string]subscription

	terminalOnce sync.Once
}

// Semantic aliases let subscribers listen on short names for the well-known
// event kinds without matching the raw discriminant.
var eventAliases = map[string]string{
	models.EventAccountUpdate:    "account",
	models.EventOrderTradeUpdate: "order",
	models.EventMarginCall:       "marginCall",
}

func NewStream(cfg StreamConfig, listenKey string, logger *logrus.Logger) *Stream {
	cfg.applyDefaults()
	return &Stream{
		cfg:       cfg,
		logger:    logger,
		state:     StreamDisconnected,
		listenKey: listenKey,
		subs:      make(map[string]subscription),
	}
}

// Connect opens the streaming session. On success the reconnect-attempt
// counter resets and the keepalive ping starts.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newAPIError(CodeStreamDisconnected, 0, "stream is closed", false)
	}
	if s.state == StreamConnected || s.state == StreamConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamConnecting
	s.ctx = ctx
	endpoint := s.cfg.URL + "/ws/" + s.listenKey
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StreamDisconnected
		s.mu.Unlock()
		return newAPIError(CodeStreamDisconnected, 0, fmt.Sprintf("dialing stream: %v", err), true)
	}

	s.attach(conn)
	s.logger.WithField("url", s.cfg.URL).Info("Stream connected")
	return nil
}

// attach installs a freshly dialed connection and starts its goroutines.
func (s *Stream) attach(conn *websocket.Conn) {
	// Echo server pings with the same payload, independent of our own
	// outbound keepalive.
	conn.SetPingHandler(func(payload string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	s.mu.Lock()
	s.conn = conn
	s.state = StreamConnected
	s.attempts = 0
	s.reconnecting = false
	s.pingStop = make(chan struct{})
	pingStop := s.pingStop
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.keepAlive(conn, pingStop)
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		s.dispatch(frame)
	}
}

// dispatch parses one frame and fans it out: generic subscribers first, then
// subscribers keyed by the discriminant, then the semantic alias. Malformed
// frames are logged and dropped; they never terminate the connection.
func (s *Stream) dispatch(frame []byte) {
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.EventType == "" {
		s.logger.WithField("frame", truncateFrame(frame)).Warn("Dropping malformed stream frame")
		return
	}

	event := models.StreamEvent{
		Type: head.EventType,
		Time: head.EventTime,
		Raw:  json.RawMessage(frame),
	}
	s.deliver(event)
}

func (s *Stream) deliver(event models.StreamEvent) {
	keys := []string{"", event.Type}
	if alias, ok := eventAliases[event.Type]; ok {
		keys = append(keys, alias)
	}

	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		for _, key := range keys {
			if sub.eventType == key {
				sub.handler(event)
				break
			}
		}
	}
}

func (s *Stream) keepAlive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.WithError(err).Warn("Keepalive ping failed")
				return
			}
		}
	}
}

func (s *Stream) handleDisconnect(cause error) {
	s.mu.Lock()
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.closed {
		s.state = StreamClosed
		s.mu.Unlock()
		return
	}
	s.state = StreamDisconnected
	s.mu.Unlock()

	s.logger.WithError(cause).Warn("Stream disconnected")
	s.maybeReconnect()
}

// maybeReconnect starts a single reconnect goroutine unless one is already in
// flight or the attempt budget is spent.
func (s *Stream) maybeReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxReconnects {
		s.mu.Unlock()
		s.emitTerminal()
		return
	}
	s.reconnecting = true
	s.attempts++
	attempt := s.attempts
	ctx := s.ctx
	s.mu.Unlock()

	delay := BackoffDelayJitter(attempt, s.cfg.ReconnectBaseDelay)
	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"max":     s.cfg.MaxReconnects,
		"delay":   delay.String(),
	}).Info("Scheduling stream reconnect")

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.state = StreamConnecting
		endpoint := s.cfg.URL + "/ws/" + s.listenKey
		s.mu.Unlock()

		dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			s.logger.WithError(err).WithField("attempt", attempt).Warn("Stream reconnect failed")
			s.mu.Lock()
			s.state = StreamDisconnected
			s.reconnecting = false
			s.mu.Unlock()
			s.maybeReconnect()
			return
		}

		s.attach(conn)
		s.logger.WithField("attempt", attempt).Info("Stream reconnected")
	}()
}

// emitTerminal delivers exactly one MAX_RECONNECT_EXCEEDED event for the
// owning layer to surface. Further disconnect notifications are ignored.
func (s *Stream) emitTerminal() {
	s.terminalOnce.Do(func() {
		s.logger.WithField("max", s.cfg.MaxReconnects).Error("Stream reconnect attempts exhausted")
		s.deliver(models.StreamEvent{
			Type: models.EventMaxReconnect,
			Raw:  json.RawMessage(fmt.Sprintf(`{"e":%q,"attempts":%d}`, models.EventMaxReconnect, s.cfg.MaxReconnects)),
		})
	})
}

// Subscribe registers a handler for every event. Returns a handle for
// Unsubscribe.
func (s *Stream) Subscribe(handler EventHandler) string {
	return s.subscribe("", handler)
}

// SubscribeType registers a handler for one event discriminant or one of the
// semantic aliases ("account", "order", "marginCall").
func (s *Stream) SubscribeType(eventType string, handler EventHandler) string {
	return s.subscribe(eventType, handler)
}

func (s *Stream) subscribe(eventType string, handler EventHandler) string {
	id := uuid.NewString()
	s.subsMu.Lock()
	s.subs[id] = subscription{eventType: eventType, handler: handler}
	s.subsMu.Unlock()
	return id
}

func (s *Stream) Unsubscribe(id string) {
	s.subsMu.Lock()
	delete(s.subs, id)
	s.subsMu.Unlock()
}

// SetListenKey swaps the session key used for future (re)connects. The
// session-renewal collaborator calls this after refreshing the key.
func (s *Stream) SetListenKey(key string) {
	s.mu.Lock()
	s.listenKey = key
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the reconnect attempts consumed since the last successful
// connection.
func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Close tears the connection down permanently. It stops the keepalive, closes
// the socket, and suppresses any further reconnects.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StreamClosing
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.state = StreamClosed
	s.mu.Unlock()

	s.logger.Info("Stream closed")
	return err
}

func truncateFrame(frame []byte) string {
	const max = 200
	if len(frame) <= max {
		return string(frame)
	}
	return string(frame[:max]) + "..."
}
