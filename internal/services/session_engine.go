package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"recollect/internal/database"
	"recollect/internal/models"
)

// ErrSessionTerminal reports a turn against a session that was completed or
// abandoned elsewhere while the connection was open.
var ErrSessionTerminal = errors.New("session is already completed or abandoned")

// TurnResult is the outcome of one user-message turn.
type TurnResult struct {
	Reply                 string
	NewlyRecalledPointIDs []string
	RecalledCount         int
	TotalPoints           int
	AllRecalled           bool
	UserMessageIndex      int
	AssistantMessageIndex int
}

// SessionEngine orchestrates recall sessions: target selection, Socratic
// turn generation, per-turn recall evaluation, learning-state updates, and
// transcript persistence.
type SessionEngine struct {
	repos   *database.Repositories
	recall  *RecallService
	llm     *LLMService
	metrics *Metrics
}

// NewSessionEngine wires the engine over its collaborators.
func NewSessionEngine(repos *database.Repositories, recall *RecallService, llm *LLMService, metrics *Metrics) *SessionEngine {
	return &SessionEngine{
		repos:   repos,
		recall:  recall,
		llm:     llm,
		metrics: metrics,
	}
}

// StartSession creates a new in_progress session over the set's due points.
// When nothing is due yet, all points become targets so a fresh set is still
// exercisable.
func (e *SessionEngine) StartSession(ctx context.Context, recallSetID string) (*models.Session, error) {
	_, points, err := e.recall.Snapshot(ctx, recallSetID)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("recall set %s has no points", recallSetID)
	}

	now := time.Now()
	due, err := e.recall.DuePoints(ctx, recallSetID, now)
	if err != nil {
		return nil, err
	}
	targets := due
	if len(targets) == 0 {
		targets = points
	}

	targetIDs := make([]string, len(targets))
	for i, p := range targets {
		targetIDs[i] = p.ID
	}

	session := &models.Session{
		ID:               uuid.New().String(),
		RecallSetID:      recallSetID,
		Status:           models.SessionInProgress,
		TargetPointIDs:   targetIDs,
		RecalledPointIDs: []string{},
		StartedAt:        now,
		LastActivityAt:   now,
	}
	if err := e.repos.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordSessionStarted()
	}
	log.Printf("🎯 [ENGINE] Session %s started: %d target point(s) from set %s", session.ID, len(targetIDs), recallSetID)
	return session, nil
}

// ResumeSession reactivates a paused session.
func (e *SessionEngine) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := e.repos.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionPaused {
		return nil, fmt.Errorf("session %s is %s, not paused", sessionID, session.Status)
	}
	if err := e.repos.Sessions.UpdateStatus(ctx, sessionID, models.SessionInProgress, time.Now()); err != nil {
		return nil, err
	}
	session.Status = models.SessionInProgress
	return session, nil
}

// Transcript returns the session's messages in index order.
func (e *SessionEngine) Transcript(ctx context.Context, sessionID string) ([]models.SessionMessage, error) {
	return e.repos.Messages.ListBySession(ctx, sessionID)
}

// OpeningMessage generates and persists the tutor's opening turn. On resume
// the prompt includes progress so the greeting picks up where the learner
// left off.
func (e *SessionEngine) OpeningMessage(ctx context.Context, session *models.Session, set *models.RecallSet, points []models.RecallPoint) (string, error) {
	count, err := e.repos.Messages.Count(ctx, session.ID)
	if err != nil {
		return "", err
	}

	prompt := buildOpeningPrompt(set, e.targetPoints(session, points), len(session.RecalledPointIDs), count > 0)
	opening, err := e.llm.CompleteChat(ctx, []ChatMessage{
		{Role: "system", Content: tutorSystemPrompt(set, e.targetPoints(session, points), "")},
		{Role: "user", Content: prompt},
	}, 0.7, 500)
	if err != nil {
		return "", fmt.Errorf("failed to generate opening message: %w", err)
	}
	opening = strings.TrimSpace(opening)

	if err := e.appendMessage(ctx, session.ID, models.RoleAssistant, opening, count); err != nil {
		return "", err
	}
	return opening, nil
}

// ProcessUserMessage runs one full turn: persist the user message, generate
// the tutor reply, evaluate which target points the learner just recalled,
// update their learning state, and persist the reply. tangentTopic, when
// non-empty, steers the tutor to indulge that detour instead of pressing on.
func (e *SessionEngine) ProcessUserMessage(ctx context.Context, session *models.Session, set *models.RecallSet, points []models.RecallPoint, content, tangentTopic string) (*TurnResult, error) {
	start := time.Now()

	// Another instance or the reaper may have ended the session meanwhile.
	current, err := e.repos.Sessions.GetByID(ctx, session.ID)
	if err == nil && current.IsTerminal() {
		return nil, ErrSessionTerminal
	}

	transcript, err := e.repos.Messages.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	userIndex := len(transcript)
	if err := e.appendMessage(ctx, session.ID, models.RoleUser, content, userIndex); err != nil {
		return nil, err
	}

	targets := e.targetPoints(session, points)

	// Evaluate recall before generating the reply so the tutor can react to
	// fresh progress.
	newlyRecalled, err := e.evaluateRecall(ctx, session, targets, transcript, content)
	if err != nil {
		// Evaluation failure degrades the turn, it does not fail it.
		log.Printf("⚠️ [ENGINE] Recall evaluation failed for session %s: %v", session.ID, err)
		if e.metrics != nil {
			e.metrics.RecordEngineError("evaluation")
		}
		newlyRecalled = nil
	}

	now := time.Now()
	for _, pointID := range newlyRecalled {
		if err := e.repos.Sessions.MarkRecalled(ctx, session.ID, pointID, now); err != nil {
			return nil, err
		}
		if _, err := e.recall.RecordReview(ctx, pointID, models.RatingGood, now); err != nil {
			log.Printf("⚠️ [ENGINE] Failed to record review for %s: %v", pointID, err)
		}
		session.RecalledPointIDs = appendUnique(session.RecalledPointIDs, pointID)
		if e.metrics != nil {
			e.metrics.RecordPointRecalled()
		}
	}

	history := make([]ChatMessage, 0, len(transcript)+2)
	history = append(history, ChatMessage{Role: "system", Content: tutorSystemPrompt(set, targets, tangentTopic)})
	for _, m := range transcript {
		history = append(history, ChatMessage{Role: m.Role, Content: m.Content})
	}
	history = append(history, ChatMessage{Role: "user", Content: content})

	reply, err := e.llm.CompleteChat(ctx, history, 0.7, 800)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordEngineError("llm")
		}
		return nil, fmt.Errorf("failed to generate tutor reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	assistantIndex := userIndex + 1
	if err := e.appendMessage(ctx, session.ID, models.RoleAssistant, reply, assistantIndex); err != nil {
		return nil, err
	}
	if err := e.repos.Sessions.TouchActivity(ctx, session.ID, time.Now()); err != nil {
		log.Printf("⚠️ [ENGINE] Failed to touch session %s: %v", session.ID, err)
	}

	if e.metrics != nil {
		e.metrics.RecordTurnLatency(time.Since(start).Seconds())
	}

	return &TurnResult{
		Reply:                 reply,
		NewlyRecalledPointIDs: newlyRecalled,
		RecalledCount:         len(session.RecalledPointIDs),
		TotalPoints:           len(session.TargetPointIDs),
		AllRecalled:           len(session.RecalledPointIDs) >= len(session.TargetPointIDs),
		UserMessageIndex:      userIndex,
		AssistantMessageIndex: assistantIndex,
	}, nil
}

// PauseSession parks the session so it can be resumed later. Learning states
// keep whatever the learner already earned this session.
func (e *SessionEngine) PauseSession(ctx context.Context, sessionID string) error {
	if err := e.repos.Sessions.UpdateStatus(ctx, sessionID, models.SessionPaused, time.Now()); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordSessionEnded("paused")
	}
	return nil
}

// CompleteSession finalizes the session. Target points the learner never
// recalled are rated forgot so the scheduler brings them back sooner.
func (e *SessionEngine) CompleteSession(ctx context.Context, session *models.Session) (string, error) {
	now := time.Now()
	for _, pointID := range session.TargetPointIDs {
		if session.Recalled(pointID) {
			continue
		}
		if _, err := e.recall.RecordReview(ctx, pointID, models.RatingForgot, now); err != nil {
			log.Printf("⚠️ [ENGINE] Failed to record missed point %s: %v", pointID, err)
		}
	}

	if err := e.repos.Sessions.UpdateStatus(ctx, session.ID, models.SessionCompleted, now); err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.RecordSessionEnded("completed")
	}

	summary := fmt.Sprintf("%d of %d points recalled", len(session.RecalledPointIDs), len(session.TargetPointIDs))
	log.Printf("🏁 [ENGINE] Session %s completed: %s", session.ID, summary)
	return summary, nil
}

// AbandonSession marks the session abandoned and closes its open tangent
// events. Learning states are left untouched.
func (e *SessionEngine) AbandonSession(ctx context.Context, sessionID string, finalMessageIndex int) error {
	if err := e.repos.Sessions.UpdateStatus(ctx, sessionID, models.SessionAbandoned, time.Now()); err != nil {
		return err
	}
	if n, err := e.repos.TangentEvents.AbandonOpenForSession(ctx, sessionID, finalMessageIndex); err != nil {
		log.Printf("⚠️ [ENGINE] Failed to abandon open tangents for %s: %v", sessionID, err)
	} else if n > 0 {
		log.Printf("🕳️  [ENGINE] Abandoned %d open tangent(s) for session %s", n, sessionID)
	}
	if e.metrics != nil {
		e.metrics.RecordSessionEnded("abandoned")
	}
	return nil
}

// evaluateRecall asks the LLM which still-missing target points the learner's
// latest message demonstrably recalled.
func (e *SessionEngine) evaluateRecall(ctx context.Context, session *models.Session, targets []models.RecallPoint, transcript []models.SessionMessage, latest string) ([]string, error) {
	missing := make([]models.RecallPoint, 0, len(targets))
	for _, p := range targets {
		if !session.Recalled(p.ID) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	raw, err := e.llm.CompleteChat(ctx, []ChatMessage{
		{Role: "user", Content: buildEvaluationPrompt(missing, transcript, latest)},
	}, 0.1, 300)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		RecalledPointIDs []string `json:"recalledPointIds"`
	}
	if err := json.Unmarshal(extractJSONObject(raw), &verdict); err != nil {
		return nil, fmt.Errorf("unparseable evaluation verdict: %w", err)
	}

	// Only accept ids that are actually missing targets.
	valid := make([]string, 0, len(verdict.RecalledPointIDs))
	for _, id := range verdict.RecalledPointIDs {
		for _, p := range missing {
			if p.ID == id {
				valid = append(valid, id)
				break
			}
		}
	}
	return valid, nil
}

func (e *SessionEngine) appendMessage(ctx context.Context, sessionID, role, content string, index int) error {
	return e.repos.Messages.Append(ctx, &models.SessionMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Index:     index,
		CreatedAt: time.Now(),
	})
}

// targetPoints filters the set's points down to this session's targets.
func (e *SessionEngine) targetPoints(session *models.Session, points []models.RecallPoint) []models.RecallPoint {
	targets := make([]models.RecallPoint, 0, len(session.TargetPointIDs))
	for _, id := range session.TargetPointIDs {
		for i := range points {
			if points[i].ID == id {
				targets = append(targets, points[i])
				break
			}
		}
	}
	return targets
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// extractJSONObject strips code fences and prose around a JSON object.
func extractJSONObject(raw string) []byte {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return []byte(s)
}
