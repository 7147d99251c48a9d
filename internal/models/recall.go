package models

import "time"

// RecallRating grades a single recall attempt. Ratings are ordered by implied
// recall quality: Forgot < Hard < Good < Easy.
type RecallRating int

const (
	RatingForgot RecallRating = iota + 1
	RatingHard
	RatingGood
	RatingEasy
)

// String returns the wire/storage name of the rating.
func (r RecallRating) String() string {
	switch r {
	case RatingForgot:
		return "forgot"
	case RatingHard:
		return "hard"
	case RatingGood:
		return "good"
	case RatingEasy:
		return "easy"
	}
	return "unknown"
}

// IsValid reports whether r is one of the four defined ratings.
func (r RecallRating) IsValid() bool {
	return r >= RatingForgot && r <= RatingEasy
}

// ParseRecallRating maps a storage/LLM name to a rating. Unknown names map to
// RatingGood so a sloppy evaluator response never blocks scheduling.
func ParseRecallRating(s string) RecallRating {
	switch s {
	case "forgot":
		return RatingForgot
	case "hard":
		return RatingHard
	case "good":
		return RatingGood
	case "easy":
		return RatingEasy
	}
	return RatingGood
}

// LearningPhase is the lifecycle phase of a knowledge item in the scheduler.
type LearningPhase string

const (
	PhaseNew        LearningPhase = "new"
	PhaseLearning   LearningPhase = "learning"
	PhaseReview     LearningPhase = "review"
	PhaseRelearning LearningPhase = "relearning"
)

// LearningState is the FSRS scheduling state attached to a recall point.
// Mutated only by the scheduler. Invariant: Reps == 0 ⇔ State == new ⇔
// LastReview == nil. Due is always set; new items are due immediately.
type LearningState struct {
	Difficulty float64       `bson:"difficulty" json:"difficulty"`
	Stability  float64       `bson:"stability" json:"stability"`
	Due        time.Time     `bson:"due" json:"due"`
	LastReview *time.Time    `bson:"lastReview,omitempty" json:"lastReview,omitempty"`
	Reps       int           `bson:"reps" json:"reps"`
	Lapses     int           `bson:"lapses" json:"lapses"`
	State      LearningPhase `bson:"state" json:"state"`
}

// RecallPoint is a single fact the learner is trying to retain.
type RecallPoint struct {
	ID          string        `bson:"_id" json:"id"`
	RecallSetID string        `bson:"recallSetId" json:"recallSetId"`
	Title       string        `bson:"title" json:"title"`
	Content     string        `bson:"content" json:"content"`
	Learning    LearningState `bson:"learning" json:"learning"`
	CreatedAt   time.Time     `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// RecallSet is a named collection of recall points studied together.
type RecallSet struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt" json:"updatedAt"`
}
