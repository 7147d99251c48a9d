package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"recollect/internal/database"
	"recollect/internal/models"
	"recollect/internal/scheduler"
)

// RecallService manages recall sets and points, including their learning
// state. Set snapshots are cached briefly so a reconnect does not re-read an
// unchanged set.
type RecallService struct {
	repos *database.Repositories
	fsrs  *scheduler.FSRS
	cache *gocache.Cache
}

// snapshot is the cached set-plus-points view.
type snapshot struct {
	Set    *models.RecallSet
	Points []models.RecallPoint
}

// NewRecallService creates the recall service.
func NewRecallService(repos *database.Repositories, fsrs *scheduler.FSRS) *RecallService {
	return &RecallService{
		repos: repos,
		fsrs:  fsrs,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// CreateSet creates an empty recall set.
func (s *RecallService) CreateSet(ctx context.Context, name, description string) (*models.RecallSet, error) {
	now := time.Now()
	set := &models.RecallSet{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.RecallSets.Create(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

// AddPoint adds a point to a set with a fresh learning state.
func (s *RecallService) AddPoint(ctx context.Context, recallSetID, title, content string) (*models.RecallPoint, error) {
	if _, err := s.repos.RecallSets.GetByID(ctx, recallSetID); err != nil {
		return nil, err
	}

	now := time.Now()
	point := &models.RecallPoint{
		ID:          uuid.New().String(),
		RecallSetID: recallSetID,
		Title:       title,
		Content:     content,
		Learning:    s.fsrs.CreateInitialState(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.RecallPoints.Create(ctx, point); err != nil {
		return nil, err
	}
	if err := s.repos.RecallSets.Touch(ctx, recallSetID, now); err != nil {
		log.Printf("⚠️ [RECALL] Failed to touch set %s: %v", recallSetID, err)
	}
	s.cache.Delete(recallSetID)
	return point, nil
}

// Snapshot returns a set and its points, from cache when fresh.
func (s *RecallService) Snapshot(ctx context.Context, recallSetID string) (*models.RecallSet, []models.RecallPoint, error) {
	if cached, ok := s.cache.Get(recallSetID); ok {
		snap := cached.(*snapshot)
		return snap.Set, snap.Points, nil
	}

	set, err := s.repos.RecallSets.GetByID(ctx, recallSetID)
	if err != nil {
		return nil, nil, err
	}
	points, err := s.repos.RecallPoints.ListBySet(ctx, recallSetID)
	if err != nil {
		return nil, nil, err
	}

	s.cache.Set(recallSetID, &snapshot{Set: set, Points: points}, gocache.DefaultExpiration)
	return set, points, nil
}

// InvalidateSnapshot drops a set's cached view.
func (s *RecallService) InvalidateSnapshot(recallSetID string) {
	s.cache.Delete(recallSetID)
}

// DuePoints returns the set's points due as of the given time, most overdue
// first.
func (s *RecallService) DuePoints(ctx context.Context, recallSetID string, asOf time.Time) ([]models.RecallPoint, error) {
	return s.repos.RecallPoints.ListDue(ctx, recallSetID, asOf)
}

// RecordReview applies a rating to a point's learning state and persists the
// result.
func (s *RecallService) RecordReview(ctx context.Context, pointID string, rating models.RecallRating, at time.Time) (*models.LearningState, error) {
	if !rating.IsValid() {
		return nil, fmt.Errorf("invalid recall rating %d", rating)
	}

	point, err := s.repos.RecallPoints.GetByID(ctx, pointID)
	if err != nil {
		return nil, err
	}

	next := s.fsrs.Schedule(point.Learning, rating, at)
	if err := s.repos.RecallPoints.UpdateLearningState(ctx, pointID, next); err != nil {
		return nil, err
	}
	s.cache.Delete(point.RecallSetID)

	log.Printf("🧠 [RECALL] Point %s rated %s: %s, due %s", pointID, rating, next.State, next.Due.Format(time.RFC3339))
	return &next, nil
}
