package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/txlog"
)

const (
	defaultMaxStreams   = 100
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	streamWriteTimeout  = 10 * time.Second
	streamReadLimit     = 4 << 10

	// ProgressEventType marks an intermediate saga update.
	ProgressEventType = "saga.progress"
	// FinishedEventType marks the update carrying a terminal saga state.
	FinishedEventType = "saga.finished"
)

var errStreamLimit = errors.New("progress stream limit reached")

// WebSocketConfig configures the progress stream endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// ProgressMessage is one frame of the progress stream.
type ProgressMessage struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   notify.Update `json:"payload"`
}

func newProgressMessage(update notify.Update) ProgressMessage {
	msg := ProgressMessage{Type: ProgressEventType, Timestamp: update.Timestamp, Payload: update}
	if txlog.State(update.State).IsTerminal() {
		msg.Type = FinishedEventType
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

// ProgressSource hands out progress subscriptions.
type ProgressSource interface {
	Subscribe(txID string) *notify.Subscription
}

// progressStream is one websocket watching all transactions, or one when txID is set.
type progressStream struct {
	conn *websocket.Conn
	sub  *notify.Subscription
	txID string
	once sync.Once
}

func (s *progressStream) close() {
	s.once.Do(func() {
		if s.sub != nil {
			s.sub.Cancel()
		}
		_ = s.conn.Close()
	})
}

func (s *progressStream) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(streamWriteTimeout))
}

// streamSet bounds and tracks open progress streams.
type streamSet struct {
	mu      sync.Mutex
	streams map[*progressStream]struct{}
	limit   int
}

func (s *streamSet) add(stream *progressStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) >= s.limit {
		return errStreamLimit
	}
	s.streams[stream] = struct{}{}
	return nil
}

func (s *streamSet) remove(stream *progressStream) {
	s.mu.Lock()
	_, ok := s.streams[stream]
	delete(s.streams, stream)
	s.mu.Unlock()
	if ok {
		stream.close()
	}
}

func (s *streamSet) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams) >= s.limit
}

func (s *streamSet) count(txID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txID == "" {
		return len(s.streams)
	}
	n := 0
	for stream := range s.streams {
		if stream.txID == txID {
			n++
		}
	}
	return n
}

func (s *streamSet) closeAll() {
	s.mu.Lock()
	streams := make([]*progressStream, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.streams = make(map[*progressStream]struct{})
	s.mu.Unlock()
	for _, stream := range streams {
		stream.close()
	}
}

// WebSocketHandler streams saga progress on /ws/transactions.
//
// With ?tx_id= the stream follows a single transaction and is closed
// normally once that saga reports a terminal state.
type WebSocketHandler struct {
	source       ProgressSource
	log          logger.Logger
	streams      *streamSet
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWebSocketHandler creates the progress stream handler.
func NewWebSocketHandler(source ProgressSource, log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxStreams
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	origins := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		source: source,
		log:    log,
		streams: &streamSet{
			streams: make(map[*progressStream]struct{}),
			limit:   cfg.MaxConnections,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, origins)
			},
		},
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
	}
}

// ServeHTTP upgrades the request and streams updates until the client leaves,
// the saga finishes or the hub closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if h.streams.full() {
		http.Error(w, errStreamLimit.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("progress stream upgrade failed", "error", err)
		}
		return
	}

	txID := strings.TrimSpace(r.URL.Query().Get("tx_id"))
	stream := &progressStream{conn: conn, txID: txID, sub: h.source.Subscribe(txID)}
	if err := h.streams.add(stream); err != nil {
		stream.closeWith(websocket.CloseTryAgainLater, err.Error())
		stream.close()
		return
	}

	go h.forward(stream)
	h.drain(stream)
}

// drain reads until the client goes away so control frames are processed.
func (h *WebSocketHandler) drain(stream *progressStream) {
	defer h.streams.remove(stream)

	deadline := h.pingInterval + h.pongTimeout
	stream.conn.SetReadLimit(streamReadLimit)
	_ = stream.conn.SetReadDeadline(time.Now().Add(deadline))
	stream.conn.SetPongHandler(func(string) error {
		return stream.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := stream.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && h.log != nil {
				h.log.Warn("progress stream read failed", "tx_id", stream.txID, "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) forward(stream *progressStream) {
	ping := time.NewTicker(h.pingInterval)
	defer func() {
		ping.Stop()
		h.streams.remove(stream)
	}()

	for {
		select {
		case update, ok := <-stream.sub.C:
			if !ok {
				stream.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			msg := newProgressMessage(update)
			_ = stream.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := stream.conn.WriteJSON(msg); err != nil {
				return
			}
			if stream.txID != "" && msg.Type == FinishedEventType {
				stream.closeWith(websocket.CloseNormalClosure, "saga finished")
				return
			}
		case <-ping.C:
			if err := stream.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// Connections returns the number of open progress streams.
func (h *WebSocketHandler) Connections() int {
	return h.streams.count("")
}

// Watchers returns how many streams follow txID.
func (h *WebSocketHandler) Watchers(txID string) int {
	return h.streams.count(txID)
}

// Close disconnects every stream.
func (h *WebSocketHandler) Close() {
	h.streams.closeAll()
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
