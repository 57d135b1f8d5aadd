package realtime

import (
	"chatline/chatline/sources/psql/models"
	"chatline/chatline/utils/logging"
	"chatline/chatline/utils/metrics"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// unauthorizedReason is sent for every authentication or access failure so a
// client cannot tell a bad token from a room it does not own.
const unauthorizedReason = "unauthorized"

const writeWait = 10 * time.Second

var (
	errUnauthorized  = errors.New("unauthorized")
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("outbound queue full")
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorized
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Verifier resolves a credential to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// RoomAccess reports whether userID owns roomID. A nil room means no access.
type RoomAccess interface {
	GetRoom(ctx context.Context, roomID, userID string) (*models.ChatRoom, error)
}

// Processor runs one inbound message through the chat pipeline.
type Processor interface {
	ProcessUserMessage(ctx context.Context, roomID, userID, content string) (*models.Message, *models.Message, error)
}

type SessionConfig struct {
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	PingInterval      time.Duration
	// ProcessTimeout bounds one pipeline run, which keeps going even if the
	// client disconnects mid-way.
	ProcessTimeout time.Duration
	OutboundQueue  int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 * 1024
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 90 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	return c
}

// Handler upgrades HTTP requests to chat sessions.
type Handler struct {
	registry  *Registry
	verifier  Verifier
	rooms     RoomAccess
	processor Processor
	cfg       SessionConfig

	mu       sync.Mutex
	draining bool
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

func NewHandler(registry *Registry, verifier Verifier, rooms RoomAccess, processor Processor, cfg SessionConfig) *Handler {
	return &Handler{
		registry:  registry,
		verifier:  verifier,
		rooms:     rooms,
		processor: processor,
		cfg:       cfg.withDefaults(),
		sessions:  make(map[*session]struct{}),
	}
}

// Drain stops every live session from taking new frames and refuses new
// upgrades. Messages already in the pipeline run to completion.
func (h *Handler) Drain() {
	h.mu.Lock()
	h.draining = true
	live := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.shutdown(websocket.StatusGoingAway, "server shutting down", "server_shutdown")
	}
	logging.AppLogger.Info("websocket handler draining", zap.Int("sessions", len(live)))
}

// Wait blocks until every Serve call has returned or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Serve accepts the WebSocket for roomID and blocks until the session ends.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logging.ErrorLogger.Error("websocket accept failed", zap.String("chat_id", roomID), zap.Error(err))
		return
	}

	s := newSession(conn, h.registry, roomID, h.cfg.OutboundQueue)
	if !h.track(s) {
		s.closeNow(websocket.StatusGoingAway, "server shutting down", "server_shutdown")
		return
	}
	defer h.untrack(s)
	log := logging.AppLogger.With(zap.String("chat_id", roomID), zap.String("conn_id", s.id))

	s.setState(StateAuthenticating)
	userID, err := h.authorize(r.Context(), r.URL.Query().Get("token"), roomID)
	if err != nil {
		if errors.Is(err, errUnauthorized) {
			log.Info("websocket rejected", zap.Error(err))
			s.closeNow(websocket.StatusPolicyViolation, unauthorizedReason, "unauthorized")
		} else {
			log.Error("websocket access check failed", zap.Error(err))
			s.closeNow(websocket.StatusInternalError, "internal error", "internal_error")
		}
		return
	}
	s.userID = userID
	s.setState(StateAuthorized)
	log = log.With(zap.String("user_id", userID))

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	h.registry.Register(roomID, s)
	defer s.release()
	s.setState(StateActive)
	log.Info("websocket connected")

	go s.writeLoop(h.cfg.PingInterval)
	inbound := make(chan string, h.cfg.MessageBurst)
	go s.readLoop(inbound)

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst)
	}

	for {
		var text string
		select {
		case <-s.ctx.Done():
			log.Info("websocket disconnected", zap.String("reason", s.reason()), zap.Stringer("state", s.State()))
			return
		case t, ok := <-inbound:
			if !ok {
				log.Info("websocket disconnected", zap.String("reason", s.reason()), zap.Stringer("state", s.State()))
				return
			}
			text = t
		}

		if limiter != nil {
			if err := limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		if err := h.handleMessage(s, text); err != nil {
			log.Error("message pipeline failed, closing connection", zap.Error(err))
			s.shutdown(websocket.StatusInternalError, "internal error", "pipeline_error")
			return
		}
	}
}

func (h *Handler) authorize(ctx context.Context, token, roomID string) (string, error) {
	if token == "" {
		return "", errors.Join(errUnauthorized, errors.New("missing token"))
	}
	userID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return "", errors.Join(errUnauthorized, err)
	}
	room, err := h.rooms.GetRoom(ctx, roomID, userID)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", errors.Join(errUnauthorized, errors.New("room not found or not owned"))
	}
	return userID, nil
}

// inboundEnvelope is the structured form of one inbound text frame.
type inboundEnvelope struct {
	Content string `json:"content"`
}

func (h *Handler) handleMessage(s *session, text string) error {
	env := inboundEnvelope{Content: text}

	// The pipeline outlives the connection so both records are always
	// persisted together once the user turn is accepted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), h.cfg.ProcessTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, logging.TraceIDKey, uuid.NewString())

	userMsg, assistantMsg, err := h.processor.ProcessUserMessage(ctx, s.roomID, s.userID, env.Content)
	if err != nil {
		return err
	}
	for _, m := range []*models.Message{userMsg, assistantMsg} {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		h.registry.Broadcast(s.roomID, payload)
	}
	return nil
}

// session is one accepted WebSocket bound to a single room and user. One
// goroutine reads, one writes, and the handler goroutine processes messages
// in arrival order.
type session struct {
	id       string
	roomID   string
	userID   string
	conn     *websocket.Conn
	registry *Registry
	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	state       atomic.Int32
	closeOnce   sync.Once
	releaseOnce sync.Once
	closeReason atomic.Value
}

func newSession(conn *websocket.Conn, registry *Registry, roomID string, queue int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       uuid.NewString(),
		roomID:   roomID,
		conn:     conn,
		registry: registry,
		outbound: make(chan []byte, queue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *session) ID() string { return s.id }

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) { s.state.Store(int32(st)) }

// Deliver queues payload for the writer without blocking.
func (s *session) Deliver(payload []byte) error {
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		return errQueueFull
	}
}

// Close is called by the registry when this connection can no longer keep up.
func (s *session) Close(reason string) {
	s.shutdown(websocket.StatusTryAgainLater, reason, "dropped")
}

// shutdown starts the close handshake once and stops both pumps. It never
// blocks the caller.
func (s *session) shutdown(code websocket.StatusCode, reason, metric string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeReason.Store(metric)
		metrics.SessionsClosed.WithLabelValues(metric).Inc()
		s.cancel()
		go func() {
			_ = s.conn.Close(code, reason)
			s.setState(StateClosed)
		}()
	})
}

// closeNow closes synchronously; used before the pumps are running.
func (s *session) closeNow(code websocket.StatusCode, reason, metric string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeReason.Store(metric)
		metrics.SessionsClosed.WithLabelValues(metric).Inc()
		s.cancel()
		_ = s.conn.Close(code, reason)
		s.setState(StateClosed)
	})
}

func (s *session) reason() string {
	if v, ok := s.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

// release removes the session from its room exactly once and makes sure the
// connection is closed.
func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.registry.Deregister(s.roomID, s)
		s.shutdown(websocket.StatusNormalClosure, "", "normal")
	})
}

func (s *session) readLoop(inbound chan<- string) {
	defer close(inbound)
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				s.shutdown(websocket.StatusNormalClosure, "", "client_closed")
			case s.ctx.Err() != nil:
			default:
				logging.AppLogger.Debug("websocket read failed", zap.String("conn_id", s.id), zap.Error(err))
				s.shutdown(websocket.StatusInternalError, "read failed", "transport_error")
			}
			return
		}
		if typ != websocket.MessageText {
			s.shutdown(websocket.StatusUnsupportedData, "text frames only", "unsupported_data")
			return
		}
		select {
		case inbound <- string(data):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeLoop(pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.outbound:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := s.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					logging.AppLogger.Debug("websocket write failed", zap.String("conn_id", s.id), zap.Error(err))
					s.shutdown(websocket.StatusInternalError, "write failed", "transport_error")
				}
				return
			}
		case <-ping:
			ctx, cancel := context.WithTimeout(s.ctx, pingInterval)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					logging.AppLogger.Debug("websocket ping failed", zap.String("conn_id", s.id), zap.Error(err))
					s.shutdown(websocket.StatusGoingAway, "ping timeout", "ping_timeout")
				}
				return
			}
		}
	}
}
