// Package tangent detects and tracks conversational detours ("rabbitholes")
// during a recall session, using LLM classification calls serialized against
// the detector's shared state.
package tangent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recollect/internal/models"
)

// CompletionClient is the LLM text-completion capability the detector
// consumes. Satisfied by services.LLMService.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
}

// CompleteOptions tunes a single completion call.
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
}

// Config holds detection thresholds.
type Config struct {
	// WindowSize is the number of trailing messages analyzed per call.
	WindowSize int
	// ConfidenceThreshold gates new-tangent registration.
	ConfidenceThreshold float64
	// ReturnConfidenceThreshold gates closing a tangent as returned.
	ReturnConfidenceThreshold float64
}

// DefaultConfig returns the default detection configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:                10,
		ConfidenceThreshold:       0.6,
		ReturnConfidenceThreshold: 0.6,
	}
}

// Detector tracks the open tangents of one session. Detection and
// return-detection serialize on callMu so two near-simultaneous message turns
// can never double-register or mis-close a tangent; calls queue in arrival
// order and run strictly one at a time.
type Detector struct {
	llm CompletionClient
	cfg Config

	// callMu serializes the LLM-calling operations.
	callMu sync.Mutex
	// mu guards the active map for accessors that must not queue behind an
	// in-flight LLM call.
	mu     sync.Mutex
	active map[string]*models.ActiveTangent
}

// NewDetector creates a detector for a single session's conversation.
func NewDetector(llm CompletionClient, cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	if cfg.ReturnConfidenceThreshold <= 0 {
		cfg.ReturnConfidenceThreshold = DefaultConfig().ReturnConfidenceThreshold
	}
	return &Detector{
		llm:    llm,
		cfg:    cfg,
		active: make(map[string]*models.ActiveTangent),
	}
}

// detectionResult is the structured verdict parsed from the LLM.
type detectionResult struct {
	IsRabbithole    bool     `json:"isRabbithole"`
	Confidence      float64  `json:"confidence"`
	Topic           string   `json:"topic"`
	Depth           int      `json:"depth"`
	RelatedPointIDs []string `json:"relatedPointIds"`
}

// returnResult is the structured verdict for return detection.
type returnResult struct {
	HasReturned bool    `json:"hasReturned"`
	Confidence  float64 `json:"confidence"`
}

// DetectRabbithole analyzes the trailing conversation window against the
// current recall point and registers a new tangent when the LLM flags one
// above the confidence threshold. Returns nil when nothing was detected.
func (d *Detector) DetectRabbithole(
	ctx context.Context,
	sessionID string,
	messages []models.SessionMessage,
	currentPoint *models.RecallPoint,
	allPoints []models.RecallPoint,
	messageIndex int,
) (*models.ActiveTangent, error) {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	window := trailingWindow(messages, d.cfg.WindowSize)
	if len(window) < 2 {
		return nil, nil
	}

	prompt := buildDetectionPrompt(window, currentPoint, allPoints)
	raw, err := d.llm.Complete(ctx, prompt, CompleteOptions{Temperature: 0.1, MaxTokens: 400})
	if err != nil {
		return nil, fmt.Errorf("rabbithole detection call failed: %w", err)
	}

	var result detectionResult
	if err := json.Unmarshal(extractJSON(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to parse detection result: %w", err)
	}

	if !result.IsRabbithole || result.Confidence < d.cfg.ConfidenceThreshold {
		return nil, nil
	}
	topic := strings.TrimSpace(result.Topic)
	if topic == "" {
		return nil, nil
	}
	if d.hasTopic(topic) {
		log.Printf("🕳️  [TANGENT] Duplicate topic suppressed: %q (session %s)", topic, sessionID)
		return nil, nil
	}

	tangent := &models.ActiveTangent{
		ID:                  uuid.New().String(),
		SessionID:           sessionID,
		Topic:               topic,
		TriggerMessageIndex: messageIndex,
		Depth:               clampDepth(result.Depth),
		RelatedPointIDs:     result.RelatedPointIDs,
		UserInitiated:       userInitiated(messages, messageIndex),
		Status:              models.TangentActive,
		DetectedAt:          time.Now(),
	}

	d.mu.Lock()
	d.active[tangent.ID] = tangent
	d.mu.Unlock()

	log.Printf("🕳️  [TANGENT] Detected %q (confidence %.2f, depth %d, session %s)",
		topic, result.Confidence, tangent.Depth, sessionID)

	copied := *tangent
	return &copied, nil
}

// DetectReturns asks, for every open tangent, whether the conversation has
// come back to the main topic, closing and returning those that have. No-ops
// without active tangents or sufficient history.
func (d *Detector) DetectReturns(
	ctx context.Context,
	messages []models.SessionMessage,
	currentPoint *models.RecallPoint,
	messageIndex int,
) ([]models.ActiveTangent, error) {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	open := d.snapshotActive()
	if len(open) == 0 || len(messages) < 2 {
		return nil, nil
	}

	window := trailingWindow(messages, d.cfg.WindowSize)
	var closed []models.ActiveTangent

	for _, tangent := range open {
		prompt := buildReturnPrompt(window, currentPoint, tangent.Topic)
		raw, err := d.llm.Complete(ctx, prompt, CompleteOptions{Temperature: 0.1, MaxTokens: 150})
		if err != nil {
			// One failed check must not block the remaining tangents.
			log.Printf("⚠️ [TANGENT] Return check failed for %q: %v", tangent.Topic, err)
			continue
		}

		var result returnResult
		if err := json.Unmarshal(extractJSON(raw), &result); err != nil {
			log.Printf("⚠️ [TANGENT] Unparseable return verdict for %q: %v", tangent.Topic, err)
			continue
		}

		if result.HasReturned && result.Confidence >= d.cfg.ReturnConfidenceThreshold {
			d.mu.Lock()
			stored, ok := d.active[tangent.ID]
			if ok {
				stored.Status = models.TangentReturned
				stored.ReturnMessageIndex = messageIndex
				delete(d.active, tangent.ID)
				closed = append(closed, *stored)
			}
			d.mu.Unlock()

			log.Printf("↩️  [TANGENT] Returned from %q (confidence %.2f)", tangent.Topic, result.Confidence)
		}
	}

	return closed, nil
}

// Close closes a specific tangent by id with the given status. Used when the
// client explicitly exits or declines a rabbithole. Returns the closed record
// or nil if the id is not active.
func (d *Detector) Close(id string, status models.TangentStatus, messageIndex int) *models.ActiveTangent {
	d.mu.Lock()
	defer d.mu.Unlock()

	tangent, ok := d.active[id]
	if !ok {
		return nil
	}
	tangent.Status = status
	tangent.ReturnMessageIndex = messageIndex
	delete(d.active, id)
	copied := *tangent
	return &copied
}

// CloseAllActive force-closes every remaining open tangent as abandoned and
// clears the active set. Called once when a session ends, whatever the reason.
func (d *Detector) CloseAllActive(finalMessageIndex int) []models.ActiveTangent {
	d.mu.Lock()
	defer d.mu.Unlock()

	closed := make([]models.ActiveTangent, 0, len(d.active))
	for _, tangent := range d.active {
		tangent.Status = models.TangentAbandoned
		tangent.ReturnMessageIndex = finalMessageIndex
		closed = append(closed, *tangent)
	}
	d.active = make(map[string]*models.ActiveTangent)

	sort.Slice(closed, func(i, j int) bool { return closed[i].DetectedAt.Before(closed[j].DetectedAt) })
	return closed
}

// Reset clears all active tangents and bookkeeping; used between sessions.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = make(map[string]*models.ActiveTangent)
}

// ActiveCount returns the number of open tangents.
func (d *Detector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Active returns copies of all open tangents ordered by detection time.
func (d *Detector) Active() []models.ActiveTangent {
	snapshot := d.snapshotActive()
	out := make([]models.ActiveTangent, 0, len(snapshot))
	for _, t := range snapshot {
		out = append(out, *t)
	}
	return out
}

func (d *Detector) snapshotActive() []*models.ActiveTangent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*models.ActiveTangent, 0, len(d.active))
	for _, t := range d.active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// hasTopic reports whether an open tangent already covers the topic,
// comparing case- and whitespace-insensitively.
func (d *Detector) hasTopic(topic string) bool {
	normalized := normalizeTopic(topic)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.active {
		if normalizeTopic(t.Topic) == normalized {
			return true
		}
	}
	return false
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.Join(strings.Fields(topic), " "))
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > 3 {
		return 3
	}
	return depth
}

// userInitiated reports whether the message at the trigger index was sent by
// the user; out-of-range indexes default to true.
func userInitiated(messages []models.SessionMessage, index int) bool {
	if index < 0 || index >= len(messages) {
		return true
	}
	return messages[index].Role == models.RoleUser
}

func trailingWindow(messages []models.SessionMessage, size int) []models.SessionMessage {
	if len(messages) <= size {
		return messages
	}
	return messages[len(messages)-size:]
}

// extractJSON strips markdown code fences and surrounding prose so a chatty
// model response still parses.
func extractJSON(raw string) []byte {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return []byte(s)
}
