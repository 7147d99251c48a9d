package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"recollect/internal/models"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("database: document not found")

// Repositories bundles the typed collection accessors.
type Repositories struct {
	RecallSets    *RecallSetRepository
	RecallPoints  *RecallPointRepository
	Sessions      *SessionRepository
	Messages      *MessageRepository
	TangentEvents *TangentEventRepository
}

// NewRepositories wires repositories over one MongoDB handle.
func NewRepositories(db *MongoDB) *Repositories {
	return &Repositories{
		RecallSets:    &RecallSetRepository{col: db.Collection(CollectionRecallSets)},
		RecallPoints:  &RecallPointRepository{col: db.Collection(CollectionRecallPoints)},
		Sessions:      &SessionRepository{col: db.Collection(CollectionSessions)},
		Messages:      &MessageRepository{col: db.Collection(CollectionSessionMessages)},
		TangentEvents: &TangentEventRepository{col: db.Collection(CollectionTangentEvents)},
	}
}

// RecallSetRepository persists recall sets.
type RecallSetRepository struct {
	col *mongo.Collection
}

func (r *RecallSetRepository) Create(ctx context.Context, set *models.RecallSet) error {
	_, err := r.col.InsertOne(ctx, set)
	if err != nil {
		return fmt.Errorf("failed to insert recall set: %w", err)
	}
	return nil
}

func (r *RecallSetRepository) GetByID(ctx context.Context, id string) (*models.RecallSet, error) {
	var set models.RecallSet
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&set)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recall set %s: %w", id, err)
	}
	return &set, nil
}

func (r *RecallSetRepository) List(ctx context.Context) ([]models.RecallSet, error) {
	cursor, err := r.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list recall sets: %w", err)
	}
	defer cursor.Close(ctx)

	var sets []models.RecallSet
	if err := cursor.All(ctx, &sets); err != nil {
		return nil, fmt.Errorf("failed to decode recall sets: %w", err)
	}
	return sets, nil
}

func (r *RecallSetRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"updatedAt": at}})
	return err
}

// RecallPointRepository persists recall points and their learning state.
type RecallPointRepository struct {
	col *mongo.Collection
}

func (r *RecallPointRepository) Create(ctx context.Context, point *models.RecallPoint) error {
	_, err := r.col.InsertOne(ctx, point)
	if err != nil {
		return fmt.Errorf("failed to insert recall point: %w", err)
	}
	return nil
}

func (r *RecallPointRepository) GetByID(ctx context.Context, id string) (*models.RecallPoint, error) {
	var point models.RecallPoint
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&point)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recall point %s: %w", id, err)
	}
	return &point, nil
}

// ListBySet returns all points of a set in creation order.
func (r *RecallPointRepository) ListBySet(ctx context.Context, recallSetID string) ([]models.RecallPoint, error) {
	cursor, err := r.col.Find(ctx,
		bson.M{"recallSetId": recallSetID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list recall points: %w", err)
	}
	defer cursor.Close(ctx)

	var points []models.RecallPoint
	if err := cursor.All(ctx, &points); err != nil {
		return nil, fmt.Errorf("failed to decode recall points: %w", err)
	}
	return points, nil
}

// ListDue returns the set's points due on or before asOf, most overdue first.
func (r *RecallPointRepository) ListDue(ctx context.Context, recallSetID string, asOf time.Time) ([]models.RecallPoint, error) {
	cursor, err := r.col.Find(ctx,
		bson.M{"recallSetId": recallSetID, "learning.due": bson.M{"$lte": asOf}},
		options.Find().SetSort(bson.D{{Key: "learning.due", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list due points: %w", err)
	}
	defer cursor.Close(ctx)

	var points []models.RecallPoint
	if err := cursor.All(ctx, &points); err != nil {
		return nil, fmt.Errorf("failed to decode due points: %w", err)
	}
	return points, nil
}

// UpdateLearningState overwrites a point's learning state after a review.
func (r *RecallPointRepository) UpdateLearningState(ctx context.Context, id string, state models.LearningState) error {
	result, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"learning":  state,
		"updatedAt": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to update learning state for %s: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionRepository persists recall sessions.
type SessionRepository struct {
	col *mongo.Collection
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	_, err := r.col.InsertOne(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateStatus moves a session to a new status, setting endedAt for terminal
// statuses.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	set := bson.M{"status": status, "lastActivityAt": at}
	if status == models.SessionCompleted || status == models.SessionAbandoned {
		set["endedAt"] = at
	}
	result, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update session %s status: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRecalled appends a point id to the session's recalled list exactly once.
func (r *SessionRepository) MarkRecalled(ctx context.Context, id, pointID string, at time.Time) error {
	result, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$addToSet": bson.M{"recalledPointIds": pointID},
		"$set":      bson.M{"lastActivityAt": at},
	})
	if err != nil {
		return fmt.Errorf("failed to mark point recalled: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SessionRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastActivityAt": at}})
	return err
}

// ListStale returns in_progress or paused sessions idle since before the
// cutoff; used by the reaper job.
func (r *SessionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	cursor, err := r.col.Find(ctx, bson.M{
		"status":         bson.M{"$in": []models.SessionStatus{models.SessionInProgress, models.SessionPaused}},
		"lastActivityAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []models.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode stale sessions: %w", err)
	}
	return sessions, nil
}

// MessageRepository persists the session transcript.
type MessageRepository struct {
	col *mongo.Collection
}

func (r *MessageRepository) Append(ctx context.Context, msg *models.SessionMessage) error {
	_, err := r.col.InsertOne(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListBySession returns a session's transcript in index order.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]models.SessionMessage, error) {
	cursor, err := r.col.Find(ctx,
		bson.M{"sessionId": sessionID},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.SessionMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// Count returns the number of stored messages for a session.
func (r *MessageRepository) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := r.col.CountDocuments(ctx, bson.M{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

// TangentEventRepository persists rabbithole events.
type TangentEventRepository struct {
	col *mongo.Collection
}

func (r *TangentEventRepository) Create(ctx context.Context, event *models.ActiveTangent) error {
	_, err := r.col.InsertOne(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to insert tangent event: %w", err)
	}
	return nil
}

// UpdateStatus records a tangent closing with its final status and index.
func (r *TangentEventRepository) UpdateStatus(ctx context.Context, id string, status models.TangentStatus, returnIndex int) error {
	result, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":             status,
		"returnMessageIndex": returnIndex,
	}})
	if err != nil {
		return fmt.Errorf("failed to update tangent event %s: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBySession returns a session's tangent events in detection order.
func (r *TangentEventRepository) ListBySession(ctx context.Context, sessionID string) ([]models.ActiveTangent, error) {
	cursor, err := r.col.Find(ctx,
		bson.M{"sessionId": sessionID},
		options.Find().SetSort(bson.D{{Key: "detectedAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tangent events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []models.ActiveTangent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode tangent events: %w", err)
	}
	return events, nil
}

// AbandonOpenForSession closes any still-active tangents of a session, used
// when the reaper abandons a stale session.
func (r *TangentEventRepository) AbandonOpenForSession(ctx context.Context, sessionID string, returnIndex int) (int, error) {
	result, err := r.col.UpdateMany(ctx,
		bson.M{"sessionId": sessionID, "status": models.TangentActive},
		bson.M{"$set": bson.M{
			"status":             models.TangentAbandoned,
			"returnMessageIndex": returnIndex,
		}})
	if err != nil {
		return 0, fmt.Errorf("failed to abandon open tangents: %w", err)
	}
	return int(result.ModifiedCount), nil
}
