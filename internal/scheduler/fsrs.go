package scheduler

import (
	"math"
	"time"

	"recollect/internal/models"
)

// FSRS implements the Free Spaced Repetition Scheduler memory-decay model.
// All methods are pure with respect to their inputs; an FSRS value carries
// only configuration and is safe for concurrent use from any number of
// sessions.
type FSRS struct {
	cfg Config
}

// Config holds the scheduling parameters supplied at construction.
type Config struct {
	// MaximumInterval caps the number of days between reviews.
	MaximumInterval int
	// RequestRetention is the target recall probability (0..1) the scheduler
	// aims for when converting stability to an interval.
	RequestRetention float64
	// GraduationReviews is the number of successful reviews required to move
	// an item from learning to review.
	GraduationReviews int
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		MaximumInterval:   365,
		RequestRetention:  0.9,
		GraduationReviews: 2,
	}
}

// New creates a scheduler, normalizing out-of-range configuration to defaults.
func New(cfg Config) *FSRS {
	def := DefaultConfig()
	if cfg.MaximumInterval <= 0 {
		cfg.MaximumInterval = def.MaximumInterval
	}
	if cfg.RequestRetention <= 0 || cfg.RequestRetention >= 1 {
		cfg.RequestRetention = def.RequestRetention
	}
	if cfg.GraduationReviews <= 0 {
		cfg.GraduationReviews = def.GraduationReviews
	}
	return &FSRS{cfg: cfg}
}

// Config returns the configuration the scheduler was built with.
func (f *FSRS) Config() Config {
	return f.cfg
}

// FSRS-4 default weights.
var weights = [17]float64{
	0.4, 0.6, 2.4, 5.8, // initial stability per rating
	4.93, 0.94, // initial difficulty
	0.86, 0.01, // difficulty update + mean reversion
	1.49, 0.14, 0.94, // recall stability growth
	2.18, 0.05, 0.34, 1.26, // post-lapse stability
	0.29, 2.61, // hard penalty, easy bonus
}

const (
	decay  = -0.5
	factor = 19.0 / 81.0

	minStability  = 0.1
	minDifficulty = 1.0
	maxDifficulty = 10.0
)

// Re-review steps, in minutes, for items that stay in a learning phase.
// Ordered by rating so the interval ordering invariant holds inside a phase.
var learningSteps = map[models.RecallRating]time.Duration{
	models.RatingForgot: 5 * time.Minute,
	models.RatingHard:   10 * time.Minute,
	models.RatingGood:   30 * time.Minute,
	models.RatingEasy:   24 * time.Hour,
}

// card is the internal representation the FSRS math operates on, decoupled
// from the persisted LearningState.
type card struct {
	difficulty  float64
	stability   float64
	elapsedDays float64
}

// toCard converts a domain learning state to the internal card form as of
// reviewTime.
func toCard(state models.LearningState, reviewTime time.Time) card {
	c := card{
		difficulty: state.Difficulty,
		stability:  state.Stability,
	}
	if state.LastReview != nil {
		c.elapsedDays = reviewTime.Sub(*state.LastReview).Hours() / 24.0
		if c.elapsedDays < 0 {
			c.elapsedDays = 0
		}
	}
	return c
}

// CreateInitialState returns a fresh learning state: new, zero reps and
// lapses, due immediately.
func (f *FSRS) CreateInitialState(now time.Time) models.LearningState {
	if now.IsZero() {
		now = time.Now()
	}
	return models.LearningState{
		Difficulty: 0,
		Stability:  0,
		Due:        now,
		LastReview: nil,
		Reps:       0,
		Lapses:     0,
		State:      models.PhaseNew,
	}
}

// Schedule applies one review with the given rating at reviewTime and returns
// the next learning state. The input state is not modified.
//
// Interval ordering is a hard invariant: from the same prior state and review
// time, a lower rating never produces a later due date than a higher one.
func (f *FSRS) Schedule(state models.LearningState, rating models.RecallRating, reviewTime time.Time) models.LearningState {
	if !rating.IsValid() {
		rating = models.RatingGood
	}
	if reviewTime.IsZero() {
		reviewTime = time.Now()
	}

	c := toCard(state, reviewTime)
	next := state
	reviewed := reviewTime
	next.LastReview = &reviewed
	next.Reps = state.Reps + 1

	switch state.State {
	case models.PhaseNew:
		next.Difficulty = initialDifficulty(rating)
		next.Stability = initialStability(rating)
		next.State = models.PhaseLearning

	case models.PhaseLearning, models.PhaseRelearning:
		retr := forgettingCurve(c.elapsedDays, c.stability)
		next.Difficulty = nextDifficulty(c.difficulty, rating)
		if rating >= models.RatingGood {
			next.Stability = nextRecallStability(c.difficulty, c.stability, retr, rating)
			if state.State == models.PhaseRelearning || next.Reps >= f.cfg.GraduationReviews {
				next.State = models.PhaseReview
			}
		} else {
			next.Stability = math.Max(minStability, nextForgetStability(c.difficulty, c.stability, retr))
		}

	case models.PhaseReview:
		retr := forgettingCurve(c.elapsedDays, c.stability)
		next.Difficulty = nextDifficulty(c.difficulty, rating)
		if rating == models.RatingForgot {
			next.Lapses = state.Lapses + 1
			next.Stability = nextForgetStability(c.difficulty, c.stability, retr)
			next.State = models.PhaseRelearning
		} else {
			next.Stability = nextRecallStability(c.difficulty, c.stability, retr, rating)
		}
	}

	if next.State == models.PhaseReview {
		next.Due = reviewTime.AddDate(0, 0, f.nextIntervalDays(next.Stability))
	} else {
		next.Due = reviewTime.Add(learningSteps[rating])
	}
	return next
}

// IsDue reports whether the item is reviewable as of the given time. The
// boundary is inclusive: an item is due the instant its due time arrives.
func (f *FSRS) IsDue(state models.LearningState, asOf time.Time) bool {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return !asOf.Before(state.Due)
}

// Retrievability estimates the probability of successful recall at asOf. It
// is ~1.0 immediately after a review and strictly decreases as asOf moves
// past the last review. Items never reviewed report 1.0.
func (f *FSRS) Retrievability(state models.LearningState, asOf time.Time) float64 {
	if state.LastReview == nil {
		return 1.0
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	elapsed := asOf.Sub(*state.LastReview).Hours() / 24.0
	if elapsed <= 0 {
		return 1.0
	}
	return forgettingCurve(elapsed, state.Stability)
}

// nextIntervalDays converts stability to a due interval targeting the
// configured retention, clamped to [1, MaximumInterval].
func (f *FSRS) nextIntervalDays(stability float64) int {
	ivl := stability / factor * (math.Pow(f.cfg.RequestRetention, 1.0/decay) - 1.0)
	days := int(math.Round(ivl))
	if days < 1 {
		days = 1
	}
	if days > f.cfg.MaximumInterval {
		days = f.cfg.MaximumInterval
	}
	return days
}

// forgettingCurve is the FSRS power-law recall probability after elapsed days
// at the given stability.
func forgettingCurve(elapsedDays, stability float64) float64 {
	if stability < minStability {
		stability = minStability
	}
	if elapsedDays <= 0 {
		return 1.0
	}
	return math.Pow(1.0+factor*elapsedDays/stability, decay)
}

func initialStability(rating models.RecallRating) float64 {
	return math.Max(minStability, weights[int(rating)-1])
}

func initialDifficulty(rating models.RecallRating) float64 {
	return clampDifficulty(weights[4] - float64(int(rating)-3)*weights[5])
}

func nextDifficulty(difficulty float64, rating models.RecallRating) float64 {
	updated := difficulty - weights[6]*float64(int(rating)-3)
	// Mean reversion toward the initial difficulty of a Good rating keeps
	// difficulty from drifting to the extremes over long histories.
	reverted := weights[7]*initialDifficulty(models.RatingGood) + (1.0-weights[7])*updated
	return clampDifficulty(reverted)
}

func nextRecallStability(difficulty, stability, retrievability float64, rating models.RecallRating) float64 {
	if stability < minStability {
		stability = minStability
	}
	hardPenalty := 1.0
	if rating == models.RatingHard {
		hardPenalty = weights[15]
	}
	easyBonus := 1.0
	if rating == models.RatingEasy {
		easyBonus = weights[16]
	}
	growth := math.Exp(weights[8]) *
		(11.0 - difficulty) *
		math.Pow(stability, -weights[9]) *
		(math.Exp((1.0-retrievability)*weights[10]) - 1.0) *
		hardPenalty * easyBonus
	return stability * (1.0 + growth)
}

func nextForgetStability(difficulty, stability, retrievability float64) float64 {
	if stability < minStability {
		stability = minStability
	}
	s := weights[11] *
		math.Pow(difficulty, -weights[12]) *
		(math.Pow(stability+1.0, weights[13]) - 1.0) *
		math.Exp((1.0-retrievability)*weights[14])
	// A lapse can only shrink stability.
	return math.Max(minStability, math.Min(s, stability))
}

func clampDifficulty(d float64) float64 {
	return math.Min(maxDifficulty, math.Max(minDifficulty, d))
}
