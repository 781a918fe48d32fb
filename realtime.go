package waconsole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultRealtimeURL is the local development endpoint.
const DefaultRealtimeURL = "ws://localhost:8080/ws"

// RealtimeConfig configures a RealtimeClient. Zero values take defaults.
type RealtimeConfig struct {
	URL                  string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// ReconnectJitter adds up to this fraction of the delay at random. Zero
	// keeps the ladder exact.
	ReconnectJitter   float64
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes the connection when a ping goes unanswered this
	// long. Zero disables the check and leaves dead-peer detection to the
	// transport.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	HTTPClient       *http.Client
	Header           http.Header
	Logger           *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultRealtimeURL
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateClosing      RealtimeState = "closing"
)

// knownFrameTypes bounds the label set of the frames metric.
var knownFrameTypes = map[string]bool{
	EventConnected: true, EventDisconnected: true, EventPong: true, EventError: true,
	EventNewMessage: true, EventMessageSent: true, EventMessageStatus: true,
	EventBroadcastStatsUpdated: true,
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient keeps one WebSocket to the console backend alive and
// republishes inbound frames on its EventBus. An application constructs one
// at startup and shares it with every consumer; only the owner should call
// Connect and Disconnect.
type RealtimeClient struct {
	config *RealtimeConfig
	bus    *EventBus
	log    zerolog.Logger
	sched  scheduler
	group  singleflight.Group

	mu             sync.Mutex
	conn           *websocket.Conn
	state          RealtimeState
	clientID       string
	onMessage      func(Frame)
	manualClose    bool
	recon          *reconnector
	reconnectTimer stopper
	reconnectSeq   uint64
	cancelConn     context.CancelFunc
	awaitingPong   time.Time

	writeMu sync.Mutex
}

// NewRealtimeClient creates a disconnected client. Call Connect to open it.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &RealtimeClient{
		config: &cfg,
		bus:    NewEventBus(&l),
		log:    l.With().Str("component", "realtime").Logger(),
		sched:  wallClock{},
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// Events returns the bus inbound frames and lifecycle events are published on.
func (rc *RealtimeClient) Events() *EventBus {
	return rc.bus
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// ClientID returns the identity sent in identify frames.
func (rc *RealtimeClient) ClientID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.clientID
}

// Connect opens the connection for clientID. It returns nil at once when
// already connected; when a dial is in flight the caller shares its outcome.
// onMessage, if non-nil, replaces the catch-all callback that receives every
// frame except pongs.
func (rc *RealtimeClient) Connect(ctx context.Context, clientID string, onMessage func(Frame)) error {
	rc.mu.Lock()
	if onMessage != nil {
		rc.onMessage = onMessage
	}
	if rc.state == StateConnected {
		changed := rc.clientID != clientID
		rc.clientID = clientID
		conn := rc.conn
		rc.mu.Unlock()
		if changed {
			rc.identify(conn, clientID)
		}
		return nil
	}
	rc.clientID = clientID
	rc.manualClose = false
	if rc.state != StateConnecting {
		rc.stopReconnectLocked()
		rc.recon.reset()
	}
	rc.mu.Unlock()

	return rc.dial(ctx)
}

func (rc *RealtimeClient) dial(ctx context.Context) error {
	_, err, _ := rc.group.Do("connect", func() (any, error) {
		return nil, rc.open(ctx)
	})
	return err
}

func (rc *RealtimeClient) open(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, rc.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, rc.config.URL, &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
		HTTPHeader: rc.config.Header,
	})
	if err != nil {
		cerr := &ConnectionError{
			URL:     rc.config.URL,
			Timeout: errors.Is(dialCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
		rc.failOpen(cerr)
		return cerr
	}
	conn.SetReadLimit(rc.config.ReadLimit)

	rc.mu.Lock()
	if rc.manualClose {
		rc.state = StateDisconnected
		rc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &ConnectionError{URL: rc.config.URL, Err: errors.New("disconnected while connecting")}
	}
	connCtx, cancelConn := context.WithCancel(context.Background())
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelConn = cancelConn
	rc.awaitingPong = time.Time{}
	rc.recon.reset()
	rc.stopReconnectLocked()
	clientID := rc.clientID
	rc.mu.Unlock()

	realtimeConnects.WithLabelValues("ok").Inc()
	rc.log.Info().Str("url", rc.config.URL).Str("client_id", clientID).Msg("realtime connected")

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)
	rc.identify(conn, clientID)
	rc.bus.Emit(EventConnected)
	return nil
}

func (rc *RealtimeClient) failOpen(cerr *ConnectionError) {
	rc.mu.Lock()
	rc.state = StateDisconnected
	manual := rc.manualClose
	rc.mu.Unlock()

	if cerr.Timeout {
		realtimeConnects.WithLabelValues("timeout").Inc()
	} else {
		realtimeConnects.WithLabelValues("error").Inc()
	}
	rc.log.Warn().Err(cerr.Err).Str("url", cerr.URL).Bool("timeout", cerr.Timeout).Msg("realtime connect failed")
	rc.bus.Emit(EventError, cerr)
	if !manual {
		rc.scheduleReconnect()
	}
}

// Disconnect closes the connection and stops every timer. It suppresses
// reconnection until the next Connect and is safe to call repeatedly.
func (rc *RealtimeClient) Disconnect() {
	rc.mu.Lock()
	rc.manualClose = true
	rc.stopReconnectLocked()
	conn, cancel := rc.conn, rc.cancelConn
	rc.conn, rc.cancelConn = nil, nil
	rc.clientID = ""
	rc.recon.reset()
	if conn != nil {
		rc.state = StateClosing
	} else {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		rc.log.Debug().Err(err).Msg("close after disconnect")
	}
	if cancel != nil {
		cancel()
	}

	rc.mu.Lock()
	if rc.state == StateClosing {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()

	rc.log.Info().Msg("realtime disconnected by client")
	rc.bus.Emit(EventDisconnected, DisconnectInfo{Code: int(websocket.StatusNormalClosure), Reason: "client disconnect", Manual: true})
}

// SetClientID changes the identity and re-identifies a live connection.
func (rc *RealtimeClient) SetClientID(clientID string) {
	rc.mu.Lock()
	changed := rc.clientID != clientID
	rc.clientID = clientID
	var conn *websocket.Conn
	if rc.state == StateConnected {
		conn = rc.conn
	}
	rc.mu.Unlock()
	if changed && conn != nil {
		rc.identify(conn, clientID)
	}
}

// Send writes payload when connected. It reports false instead of failing
// when there is no live connection or the write fails; nothing is queued.
// []byte and json.RawMessage payloads are written verbatim.
func (rc *RealtimeClient) Send(payload any) bool {
	rc.mu.Lock()
	conn, state := rc.conn, rc.state
	rc.mu.Unlock()
	if conn == nil || state != StateConnected {
		realtimeSends.WithLabelValues("not_connected").Inc()
		rc.log.Debug().Msg("send skipped: not connected")
		return false
	}
	if err := rc.write(conn, payload); err != nil {
		realtimeSends.WithLabelValues("error").Inc()
		rc.log.Warn().Err(err).Msg("realtime send failed")
		rc.bus.Emit(EventError, err)
		return false
	}
	realtimeSends.WithLabelValues("ok").Inc()
	return true
}

func (rc *RealtimeClient) identify(conn *websocket.Conn, clientID string) {
	if conn == nil || clientID == "" {
		return
	}
	if err := rc.write(conn, newIdentifyFrame(clientID, time.Now())); err != nil {
		rc.log.Warn().Err(err).Str("client_id", clientID).Msg("identify failed")
		rc.bus.Emit(EventError, err)
	}
}

func (rc *RealtimeClient) write(conn *websocket.Conn, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		data = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.config.WriteTimeout)
	defer cancel()
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Read loop & heartbeat
// ============================================================================

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleClose(conn, err)
			return
		}
		rc.handleFrame(data)
	}
}

func (rc *RealtimeClient) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		realtimeDecodeErrors.Inc()
		rc.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		rc.bus.Emit(EventError, &DecodeError{Raw: data, Err: err})
		return
	}

	label := frame.Type
	if !knownFrameTypes[label] {
		label = "other"
	}
	realtimeFrames.WithLabelValues(label).Inc()

	if frame.Type == EventPong {
		rc.mu.Lock()
		rc.awaitingPong = time.Time{}
		rc.mu.Unlock()
		rc.bus.Emit(EventPong, frame)
		return
	}

	rc.bus.Emit(frame.Type, frame)

	rc.mu.Lock()
	cb := rc.onMessage
	rc.mu.Unlock()
	if cb != nil {
		rc.deliver(cb, frame)
	}
}

func (rc *RealtimeClient) deliver(cb func(Frame), frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			rc.log.Error().Str("type", frame.Type).Str("panic", fmt.Sprint(r)).Msg("message callback panicked")
		}
	}()
	cb(frame)
}

func (rc *RealtimeClient) handleClose(conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.conn != conn {
		// Disconnect or a newer connection already took over.
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	rc.state = StateDisconnected
	if rc.cancelConn != nil {
		rc.cancelConn()
		rc.cancelConn = nil
	}
	manual := rc.manualClose
	rc.mu.Unlock()

	code := int(websocket.CloseStatus(err))
	rc.log.Warn().Err(err).Int("code", code).Msg("realtime connection closed")
	rc.bus.Emit(EventDisconnected, DisconnectInfo{Code: code, Reason: err.Error(), Manual: manual})
	if !manual {
		rc.scheduleReconnect()
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			rc.mu.Lock()
			if rc.state != StateConnected || rc.conn != conn {
				rc.mu.Unlock()
				return
			}
			expired := rc.config.HeartbeatTimeout > 0 && !rc.awaitingPong.IsZero() &&
				now.Sub(rc.awaitingPong) >= rc.config.HeartbeatTimeout
			if rc.awaitingPong.IsZero() {
				rc.awaitingPong = now
			}
			rc.mu.Unlock()

			if expired {
				rc.log.Warn().Dur("timeout", rc.config.HeartbeatTimeout).Msg("heartbeat unanswered, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := rc.write(conn, newPingFrame(now)); err != nil {
				rc.log.Debug().Err(err).Msg("heartbeat ping failed")
			}
		}
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func (rc *RealtimeClient) scheduleReconnect() {
	rc.mu.Lock()
	if rc.manualClose {
		rc.mu.Unlock()
		return
	}
	delay, ok := rc.recon.next()
	if !ok {
		attempts := rc.recon.attempts
		rc.mu.Unlock()
		realtimeReconnects.WithLabelValues("exhausted").Inc()
		rc.log.Error().Int("attempts", attempts).Msg("giving up on realtime reconnect")
		rc.bus.Emit(EventReconnectFailed, ReconnectFailedInfo{Attempts: attempts})
		return
	}
	rc.stopReconnectLocked()
	rc.reconnectSeq++
	seq := rc.reconnectSeq
	attempt := rc.recon.attempts
	rc.reconnectTimer = rc.sched.AfterFunc(delay, func() { rc.reconnect(seq) })
	rc.mu.Unlock()

	realtimeReconnects.WithLabelValues("scheduled").Inc()
	rc.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling realtime reconnect")
	rc.bus.Emit(EventReconnecting, ReconnectInfo{Attempt: attempt, Delay: delay})
}

func (rc *RealtimeClient) reconnect(seq uint64) {
	rc.mu.Lock()
	if seq != rc.reconnectSeq || rc.manualClose || rc.state != StateDisconnected {
		rc.mu.Unlock()
		return
	}
	rc.reconnectTimer = nil
	rc.mu.Unlock()

	_ = rc.dial(context.Background())
}

// stopReconnectLocked cancels the pending reconnect timer. rc.mu must be held.
func (rc *RealtimeClient) stopReconnectLocked() {
	if rc.reconnectTimer != nil {
		rc.reconnectTimer.Stop()
		rc.reconnectTimer = nil
	}
	rc.reconnectSeq++
}
