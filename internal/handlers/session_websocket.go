// Package handlers holds the HTTP and WebSocket handlers.
package handlers

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"recollect/internal/config"
	"recollect/internal/database"
	"recollect/internal/logging"
	"recollect/internal/models"
	"recollect/internal/protocol"
	"recollect/internal/services"
	"recollect/internal/tangent"
)

// SessionOrchestrator is the session engine capability the handler consumes.
// Satisfied by services.SessionEngine.
type SessionOrchestrator interface {
	ResumeSession(ctx context.Context, sessionID string) (*models.Session, error)
	OpeningMessage(ctx context.Context, session *models.Session, set *models.RecallSet, points []models.RecallPoint) (string, error)
	ProcessUserMessage(ctx context.Context, session *models.Session, set *models.RecallSet, points []models.RecallPoint, content, tangentTopic string) (*services.TurnResult, error)
	PauseSession(ctx context.Context, sessionID string) error
	CompleteSession(ctx context.Context, session *models.Session) (string, error)
	Transcript(ctx context.Context, sessionID string) ([]models.SessionMessage, error)
}

// SessionWebSocketHandler runs the live recall session protocol: one
// readLoop/writeLoop/pingLoop trio per connection, a per-connection tangent
// detector, and an error budget for malformed frames.
type SessionWebSocketHandler struct {
	connManager *services.ConnectionManager
	engine      SessionOrchestrator
	recall      *services.RecallService
	redis       *services.RedisService
	llm         *services.LLMService
	repos       *database.Repositories
	metrics     *services.Metrics
	cfg         *config.Config

	mu        sync.Mutex
	closers   map[string]func(code int)
	detectors map[string]*tangent.Detector
}

// NewSessionWebSocketHandler creates the handler. redis may be nil; session
// exclusivity is then only enforced within this instance.
func NewSessionWebSocketHandler(
	connManager *services.ConnectionManager,
	engine SessionOrchestrator,
	recall *services.RecallService,
	redis *services.RedisService,
	llm *services.LLMService,
	repos *database.Repositories,
	metrics *services.Metrics,
	cfg *config.Config,
) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{
		connManager: connManager,
		engine:      engine,
		recall:      recall,
		redis:       redis,
		llm:         llm,
		repos:       repos,
		metrics:     metrics,
		cfg:         cfg,
		closers:     make(map[string]func(code int)),
		detectors:   make(map[string]*tangent.Detector),
	}
}

// Handle owns one WebSocket connection from accept to close.
func (h *SessionWebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	sessionID := c.Query("session_id")
	ctx := context.Background()

	if sessionID == "" {
		h.rejectAndClose(c, protocol.NewError(protocol.ErrInvalidSessionID, false), protocol.CloseInvalidSession)
		return
	}

	session, err := h.repos.Sessions.GetByID(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		h.rejectAndClose(c, protocol.NewError(protocol.ErrSessionNotFound, false), protocol.CloseInvalidSession)
		return
	}
	if err != nil {
		log.Printf("❌ [SESSION-WS] Failed to load session %s: %v", sessionID, err)
		h.rejectAndClose(c, protocol.NewError(protocol.ErrInternal, false), protocol.CloseInvalidSession)
		return
	}

	switch session.Status {
	case models.SessionInProgress:
		// Attach directly.
	case models.SessionPaused:
		session, err = h.engine.ResumeSession(ctx, sessionID)
		if err != nil {
			log.Printf("❌ [SESSION-WS] Failed to resume session %s: %v", sessionID, err)
			h.rejectAndClose(c, protocol.NewError(protocol.ErrSessionNotActive, false), protocol.CloseInvalidSession)
			return
		}
	default:
		h.rejectAndClose(c, protocol.NewError(protocol.ErrSessionNotActive, false), protocol.CloseInvalidSession)
		return
	}

	// One live connection per session, cluster-wide when Redis is available.
	if h.redis != nil {
		acquired, err := h.redis.AcquireSessionLock(ctx, sessionID, connID, h.cfg.SessionLockTTL)
		if err != nil {
			log.Printf("⚠️ [SESSION-WS] Session lock check failed for %s: %v", sessionID, err)
		} else if !acquired {
			h.rejectAndClose(c, protocol.NewErrorf(protocol.ErrSessionNotActive, false, "Session already has a live connection"), protocol.CloseInvalidSession)
			return
		}
	} else if _, live := h.connManager.GetBySession(sessionID); live {
		h.rejectAndClose(c, protocol.NewErrorf(protocol.ErrSessionNotActive, false, "Session already has a live connection"), protocol.CloseInvalidSession)
		return
	}

	set, points, err := h.recall.Snapshot(ctx, session.RecallSetID)
	if err != nil {
		log.Printf("❌ [SESSION-WS] Failed to load recall set %s: %v", session.RecallSetID, err)
		h.releaseLock(ctx, sessionID, connID)
		h.rejectAndClose(c, protocol.NewError(protocol.ErrInternal, false), protocol.CloseInvalidSession)
		return
	}

	sc := &models.SessionConnection{
		ConnID:          connID,
		SessionID:       sessionID,
		Session:         session,
		RecallSet:       set,
		Points:          points,
		LastMessageTime: time.Now(),
		WriteChan:       make(chan protocol.ServerMessage, 100),
		Limiter:         rate.NewLimiter(rate.Limit(h.cfg.InboundRatePerSec), h.cfg.InboundRateBurst),
	}

	detector := tangent.NewDetector(h.llm, tangent.Config{
		WindowSize:                h.cfg.TangentWindowSize,
		ConfidenceThreshold:       h.cfg.TangentConfidence,
		ReturnConfidenceThreshold: h.cfg.TangentReturnConfidence,
	})

	done := make(chan struct{})
	writeDone := make(chan struct{})
	var closeOnce sync.Once
	closer := func(code int) {
		closeOnce.Do(func() {
			// Stop accepting frames and wait for the write loop to drain what
			// is already queued, so the final session_complete, session_paused,
			// or error frame hits the wire before the close frame.
			sc.ShutdownWrites()
			select {
			case <-writeDone:
			case <-time.After(5 * time.Second):
				log.Printf("⚠️ [SESSION-WS] Write drain timed out for %s", connID)
			}

			deadline := time.Now().Add(5 * time.Second)
			msg := websocket.FormatCloseMessage(code, protocol.CloseReason(code))
			if err := c.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				log.Printf("⚠️ [SESSION-WS] Close frame failed for %s: %v", connID, err)
			}
			c.Close()
		})
	}

	h.mu.Lock()
	h.closers[connID] = closer
	h.detectors[connID] = detector
	h.mu.Unlock()

	h.connManager.Add(sc)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnect()
	}

	defer func() {
		close(done)
		h.abandonOpenTangents(sc, detector)
		h.releaseLock(context.Background(), sessionID, connID)
		h.connManager.Remove(connID)
		h.mu.Lock()
		delete(h.closers, connID)
		delete(h.detectors, connID)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.RecordWebSocketDisconnect()
		}
		closer(protocol.CloseNormal)
	}()

	c.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		return nil
	})

	go h.pingLoop(c, sc, done)
	go func() {
		h.writeLoop(c, sc)
		close(writeDone)
	}()

	opening, err := h.engine.OpeningMessage(ctx, session, set, points)
	if err != nil {
		log.Printf("❌ [SESSION-WS] Opening message failed for %s: %v", sessionID, err)
		sc.SafeSend(protocol.ErrorFrame(protocol.NewError(protocol.ErrInternal, false)))
		closer(protocol.CloseInvalidSession)
		return
	}

	sc.SafeSend(protocol.SessionStarted{
		SessionID:      sessionID,
		OpeningMessage: opening,
		TotalPoints:    len(session.TargetPointIDs),
		RecalledCount:  len(session.RecalledPointIDs),
	})
	sc.Initialized = true

	sessionLog := logging.WithConnection(logging.WithSession(sessionID, session.RecallSetID), connID)
	sessionLog.Info("session attached", "target_points", len(session.TargetPointIDs))
	defer sessionLog.Info("session detached")

	h.readLoop(c, sc, detector, closer)
}

// rejectAndClose sends one error frame and a close frame on a connection that
// never got a write loop.
func (h *SessionWebSocketHandler) rejectAndClose(c *websocket.Conn, payload *protocol.ErrorPayload, code int) {
	if data, err := protocol.SerializeServerMessage(protocol.ErrorFrame(payload)); err == nil {
		c.WriteMessage(websocket.TextMessage, data)
	}
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, protocol.CloseReason(code))
	c.WriteControl(websocket.CloseMessage, msg, deadline)
	c.Close()
}

func (h *SessionWebSocketHandler) releaseLock(ctx context.Context, sessionID, connID string) {
	if h.redis == nil {
		return
	}
	if _, err := h.redis.ReleaseSessionLock(ctx, sessionID, connID); err != nil {
		log.Printf("⚠️ [SESSION-WS] Failed to release session lock for %s: %v", sessionID, err)
	}
}

// pingLoop keeps the socket alive and refreshes the session lock.
func (h *SessionWebSocketHandler) pingLoop(c *websocket.Conn, sc *models.SessionConnection, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️ [SESSION-WS] Ping failed for %s: %v", sc.ConnID, err)
				return
			}
			if h.redis != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := h.redis.RefreshSessionLock(ctx, sc.SessionID, h.cfg.SessionLockTTL); err != nil {
					log.Printf("⚠️ [SESSION-WS] Lock refresh failed for %s: %v", sc.SessionID, err)
				}
				cancel()
			}
		}
	}
}

// writeLoop serializes and writes frames in WriteChan order.
func (h *SessionWebSocketHandler) writeLoop(c *websocket.Conn, sc *models.SessionConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range sc.WriteChan {
		data, err := protocol.SerializeServerMessage(msg)
		if err != nil {
			log.Printf("❌ [SESSION-WS] Serialize failed for %s: %v", sc.ConnID, err)
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("❌ [SESSION-WS] Write error for %s: %v", sc.ConnID, err)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(msg.MessageType(), "outbound")
		}
	}
}

// readLoop parses and dispatches inbound frames until the connection dies or
// a dispatch decides to close.
func (h *SessionWebSocketHandler) readLoop(c *websocket.Conn, sc *models.SessionConnection, detector *tangent.Detector, closer func(code int)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Printf("⏰ [SESSION-WS] Idle timeout for %s", sc.ConnID)
				h.pauseQuietly(sc)
				closer(protocol.CloseIdleTimeout)
				return
			}
			log.Printf("❌ [SESSION-WS] Read error for %s: %v", sc.ConnID, err)
			return
		}
		c.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if !sc.Limiter.Allow() {
			log.Printf("🚫 [SESSION-WS] Inbound rate exceeded for %s, frame dropped", sc.ConnID)
			continue
		}

		msg, errPayload := protocol.ParseClientMessage(raw)
		if errPayload != nil {
			if h.handleInvalidFrame(sc, errPayload) {
				log.Printf("🚫 [SESSION-WS] Error budget exhausted for %s", sc.ConnID)
				h.pauseQuietly(sc)
				closer(protocol.CloseTooManyErrors)
				return
			}
			continue
		}

		sc.ConsecutiveErrors = 0
		sc.LastMessageTime = time.Now()
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(string(msg.Type), "inbound")
		}

		if done := h.dispatch(sc, detector, msg, closer); done {
			return
		}
	}
}

// dispatch routes one valid client frame. Returns true when the connection
// should stop reading.
func (h *SessionWebSocketHandler) dispatch(sc *models.SessionConnection, detector *tangent.Detector, msg *protocol.ClientMessage, closer func(code int)) bool {
	switch msg.Type {
	case protocol.ClientPing:
		sc.SafeSend(protocol.Pong{Timestamp: time.Now().UnixMilli()})
		return false
	case protocol.ClientUserMessage:
		return h.handleUserMessage(sc, detector, msg.Content, closer)
	case protocol.ClientEnterRabbithole:
		h.handleEnterRabbithole(sc, detector, msg.RabbitholeEventID, msg.Topic)
		return false
	case protocol.ClientExitRabbithole:
		h.handleExitRabbithole(sc, detector)
		return false
	case protocol.ClientDeclineRabbithole:
		h.handleDeclineRabbithole(sc, detector)
		return false
	case protocol.ClientDismissOverlay:
		sc.OverlayDismissed = true
		return false
	case protocol.ClientLeaveSession:
		return h.handleLeaveSession(sc, detector, closer)
	}
	return false
}

// handleUserMessage runs a full turn: engine processing, chunked streaming,
// recall announcements, tangent detection, and the completion overlay.
func (h *SessionWebSocketHandler) handleUserMessage(sc *models.SessionConnection, detector *tangent.Detector, content string, closer func(code int)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// A message while the overlay is pending implicitly dismisses it.
	if sc.OverlaySent && !sc.OverlayDismissed {
		sc.OverlayDismissed = true
	}

	tangentTopic := ""
	if sc.CurrentTangentID != "" {
		for _, t := range detector.Active() {
			if t.ID == sc.CurrentTangentID {
				tangentTopic = t.Topic
				break
			}
		}
	}

	result, err := h.engine.ProcessUserMessage(ctx, sc.Session, sc.RecallSet, sc.Points, content, tangentTopic)
	if errors.Is(err, services.ErrSessionTerminal) {
		// Ended elsewhere (reaper, another instance) while the socket idled.
		sc.SafeSend(protocol.ErrorFrame(protocol.NewError(protocol.ErrSessionNotActive, false)))
		closer(protocol.CloseAbandoned)
		return true
	}
	if err != nil {
		log.Printf("❌ [SESSION-WS] Turn failed for %s: %v", sc.SessionID, err)
		sc.SafeSend(protocol.ErrorFrame(protocol.NewError(protocol.ErrLLM, true)))
		return false
	}

	h.streamReply(sc, result.Reply)

	for i, pointID := range result.NewlyRecalledPointIDs {
		sc.SafeSend(protocol.PointRecalled{
			PointID:       pointID,
			RecalledCount: result.RecalledCount - len(result.NewlyRecalledPointIDs) + i + 1,
			TotalPoints:   result.TotalPoints,
		})
		if sc.CurrentTangentID != "" {
			sc.TangentRecalledCount++
		}
	}

	h.runDetection(ctx, sc, detector, result.AssistantMessageIndex)

	if result.AllRecalled && !sc.OverlaySent {
		sc.OverlaySent = true
		sc.OverlayDismissed = false
		sc.SafeSend(protocol.SessionCompleteOverlay{
			RecalledCount: result.RecalledCount,
			TotalPoints:   result.TotalPoints,
			SessionID:     sc.SessionID,
			Message:       "All points recalled. Leave to finish, or keep exploring.",
			CanContinue:   true,
		})
	}
	return false
}

// streamReply chunks the reply into fixed-size pieces with increasing
// chunkIndex, then finishes with assistant_complete.
func (h *SessionWebSocketHandler) streamReply(sc *models.SessionConnection, reply string) {
	runes := []rune(reply)
	size := h.cfg.ChunkSize
	if size <= 0 {
		size = 20
	}

	chunkIndex := 0
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if !sc.SafeSend(protocol.AssistantChunk{Content: string(runes[start:end]), ChunkIndex: chunkIndex}) {
			return
		}
		chunkIndex++
		if h.cfg.ChunkDelay > 0 && end < len(runes) {
			time.Sleep(h.cfg.ChunkDelay)
		}
	}

	sc.SafeSend(protocol.AssistantComplete{FullContent: reply, TotalChunks: chunkIndex})
}

// handleInvalidFrame charges one malformed frame against the error budget and
// reports whether the budget is now exhausted.
func (h *SessionWebSocketHandler) handleInvalidFrame(sc *models.SessionConnection, errPayload *protocol.ErrorPayload) bool {
	sc.ConsecutiveErrors++
	sc.SafeSend(protocol.ErrorFrame(errPayload))
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage("invalid", "inbound")
	}
	return sc.ConsecutiveErrors >= h.cfg.MaxConsecutiveErrs
}

// nextUnrecalledPoint returns the first target point the session has not yet
// recalled, or nil once every target is recalled.
func (h *SessionWebSocketHandler) nextUnrecalledPoint(sc *models.SessionConnection) *models.RecallPoint {
	recalled := make(map[string]bool, len(sc.Session.RecalledPointIDs))
	for _, id := range sc.Session.RecalledPointIDs {
		recalled[id] = true
	}
	for _, id := range sc.Session.TargetPointIDs {
		if recalled[id] {
			continue
		}
		for i := range sc.Points {
			if sc.Points[i].ID == id {
				return &sc.Points[i]
			}
		}
	}
	return nil
}

// runDetection runs return detection for open tangents, then new-tangent
// detection when none is currently entered.
func (h *SessionWebSocketHandler) runDetection(ctx context.Context, sc *models.SessionConnection, detector *tangent.Detector, messageIndex int) {
	transcript, err := h.engine.Transcript(ctx, sc.SessionID)
	if err != nil {
		log.Printf("⚠️ [SESSION-WS] Transcript load failed for %s: %v", sc.SessionID, err)
		return
	}
	currentPoint := h.nextUnrecalledPoint(sc)

	returned, err := detector.DetectReturns(ctx, transcript, currentPoint, messageIndex)
	if err != nil {
		log.Printf("⚠️ [SESSION-WS] Return detection failed: %v", err)
	}
	for _, t := range returned {
		h.persistTangentClose(ctx, t.ID, models.TangentReturned, messageIndex)
		completionPending := sc.OverlaySent && !sc.OverlayDismissed
		sc.SafeSend(protocol.RabbitholeExited{
			Label:                t.Topic,
			PointsRecalledDuring: sc.TangentRecalledCount,
			CompletionPending:    completionPending,
		})
		if t.ID == sc.CurrentTangentID {
			sc.CurrentTangentID = ""
			sc.TangentRecalledCount = 0
		}
		if t.ID == sc.PendingTangentID {
			sc.PendingTangentID = ""
		}
	}

	if sc.CurrentTangentID != "" {
		return
	}

	detected, err := detector.DetectRabbithole(ctx, sc.SessionID, transcript, currentPoint, sc.Points, messageIndex)
	if err != nil {
		log.Printf("⚠️ [SESSION-WS] Tangent detection failed: %v", err)
		return
	}
	if detected == nil {
		return
	}

	if err := h.repos.TangentEvents.Create(ctx, detected); err != nil {
		log.Printf("⚠️ [SESSION-WS] Failed to persist tangent event: %v", err)
	}
	if h.metrics != nil {
		h.metrics.RecordTangentOpened()
	}
	sc.PendingTangentID = detected.ID
	sc.SafeSend(protocol.RabbitholeDetected{Topic: detected.Topic, RabbitholeEventID: detected.ID})
}

func (h *SessionWebSocketHandler) handleEnterRabbithole(sc *models.SessionConnection, detector *tangent.Detector, eventID, topic string) {
	found := false
	for _, t := range detector.Active() {
		if t.ID == eventID {
			found = true
			topic = t.Topic
			break
		}
	}
	if !found {
		sc.SafeSend(protocol.ErrorFrame(protocol.NewErrorf(protocol.ErrEngine, true, "Unknown rabbithole event id")))
		return
	}

	sc.CurrentTangentID = eventID
	sc.PendingTangentID = ""
	sc.TangentRecalledCount = 0
	sc.SafeSend(protocol.RabbitholeEntered{Topic: topic})
	log.Printf("🕳️  [SESSION-WS] Session %s entered rabbithole %q", sc.SessionID, topic)
}

func (h *SessionWebSocketHandler) handleExitRabbithole(sc *models.SessionConnection, detector *tangent.Detector) {
	if sc.CurrentTangentID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finalIndex, err := h.repos.Messages.Count(ctx, sc.SessionID)
	if err != nil {
		finalIndex = 0
	}

	closed := detector.Close(sc.CurrentTangentID, models.TangentReturned, finalIndex)
	if closed != nil {
		h.persistTangentClose(ctx, closed.ID, models.TangentReturned, finalIndex)
		sc.SafeSend(protocol.RabbitholeExited{
			Label:                closed.Topic,
			PointsRecalledDuring: sc.TangentRecalledCount,
			CompletionPending:    sc.OverlaySent && !sc.OverlayDismissed,
		})
	}
	sc.CurrentTangentID = ""
	sc.TangentRecalledCount = 0
}

// handleDeclineRabbithole abandons the offered tangent without any frame back.
func (h *SessionWebSocketHandler) handleDeclineRabbithole(sc *models.SessionConnection, detector *tangent.Detector) {
	if sc.PendingTangentID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finalIndex, err := h.repos.Messages.Count(ctx, sc.SessionID)
	if err != nil {
		finalIndex = 0
	}
	if closed := detector.Close(sc.PendingTangentID, models.TangentAbandoned, finalIndex); closed != nil {
		h.persistTangentClose(ctx, closed.ID, models.TangentAbandoned, finalIndex)
	}
	sc.PendingTangentID = ""
}

// handleLeaveSession completes the session when the overlay is pending,
// otherwise pauses it for later resume.
func (h *SessionWebSocketHandler) handleLeaveSession(sc *models.SessionConnection, detector *tangent.Detector, closer func(code int)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if sc.OverlaySent && !sc.OverlayDismissed {
		summary, err := h.engine.CompleteSession(ctx, sc.Session)
		if err != nil {
			log.Printf("❌ [SESSION-WS] Completion failed for %s: %v", sc.SessionID, err)
			sc.SafeSend(protocol.ErrorFrame(protocol.NewError(protocol.ErrEngine, true)))
			return false
		}
		sc.SafeSend(protocol.SessionComplete{Summary: summary})
		closer(protocol.CloseNormal)
		return true
	}

	if err := h.engine.PauseSession(ctx, sc.SessionID); err != nil {
		log.Printf("❌ [SESSION-WS] Pause failed for %s: %v", sc.SessionID, err)
		sc.SafeSend(protocol.ErrorFrame(protocol.NewError(protocol.ErrEngine, true)))
		return false
	}
	sc.SafeSend(protocol.SessionPaused{
		SessionID:     sc.SessionID,
		RecalledCount: len(sc.Session.RecalledPointIDs),
		TotalPoints:   len(sc.Session.TargetPointIDs),
	})
	closer(protocol.CloseEndedByClient)
	return true
}

// pauseQuietly parks a still-active session on an involuntary close path.
func (h *SessionWebSocketHandler) pauseQuietly(sc *models.SessionConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := h.repos.Sessions.GetByID(ctx, sc.SessionID)
	if err != nil || current.IsTerminal() {
		return
	}
	if err := h.engine.PauseSession(ctx, sc.SessionID); err != nil {
		log.Printf("⚠️ [SESSION-WS] Quiet pause failed for %s: %v", sc.SessionID, err)
	}
}

// abandonOpenTangents force-closes the detector's remaining tangents and
// persists them, run once on teardown.
func (h *SessionWebSocketHandler) abandonOpenTangents(sc *models.SessionConnection, detector *tangent.Detector) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finalIndex, err := h.repos.Messages.Count(ctx, sc.SessionID)
	if err != nil {
		finalIndex = 0
	}
	for _, t := range detector.CloseAllActive(finalIndex) {
		h.persistTangentClose(ctx, t.ID, models.TangentAbandoned, finalIndex)
	}
}

func (h *SessionWebSocketHandler) persistTangentClose(ctx context.Context, id string, status models.TangentStatus, returnIndex int) {
	if err := h.repos.TangentEvents.UpdateStatus(ctx, id, status, returnIndex); err != nil {
		log.Printf("⚠️ [SESSION-WS] Failed to persist tangent %s close: %v", id, err)
	}
	if h.metrics != nil {
		h.metrics.RecordTangentClosed(string(status))
	}
}

// CloseAll closes every live connection with the given code; used on
// graceful shutdown with 4004.
func (h *SessionWebSocketHandler) CloseAll(code int) {
	h.mu.Lock()
	closers := make([]func(int), 0, len(h.closers))
	for _, fn := range h.closers {
		closers = append(closers, fn)
	}
	h.mu.Unlock()

	for _, fn := range closers {
		fn(code)
	}
	log.Printf("🔌 [SESSION-WS] Closed %d connection(s) with code %d", len(closers), code)
}
