package scheduler

import (
	"math"
	"testing"
	"time"

	"recollect/internal/models"
)

var allRatings = []models.RecallRating{
	models.RatingForgot,
	models.RatingHard,
	models.RatingGood,
	models.RatingEasy,
}

// TestCreateInitialState verifies the new-item invariants.
func TestCreateInitialState(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()

	state := f.CreateInitialState(now)

	if state.State != models.PhaseNew {
		t.Errorf("Expected state new, got %s", state.State)
	}
	if state.Reps != 0 {
		t.Errorf("Expected reps 0, got %d", state.Reps)
	}
	if state.Lapses != 0 {
		t.Errorf("Expected lapses 0, got %d", state.Lapses)
	}
	if state.LastReview != nil {
		t.Error("Expected lastReview nil for a new item")
	}
	if !state.Due.Equal(now) {
		t.Errorf("Expected new item due immediately, got %v", state.Due)
	}
	if !f.IsDue(state, now) {
		t.Error("New item should be due at creation time")
	}
}

// TestFirstReview covers the new → learning transition.
func TestFirstReview(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()
	state := f.CreateInitialState(t0)

	next := f.Schedule(state, models.RatingGood, t0)

	if next.State != models.PhaseLearning {
		t.Errorf("Expected learning after first review, got %s", next.State)
	}
	if next.Reps != 1 {
		t.Errorf("Expected reps 1, got %d", next.Reps)
	}
	if !next.Due.After(t0) {
		t.Errorf("Expected due after review time, got %v", next.Due)
	}
	if next.LastReview == nil || !next.LastReview.Equal(t0) {
		t.Errorf("Expected lastReview %v, got %v", t0, next.LastReview)
	}
	if next.Stability <= 0 {
		t.Errorf("Expected positive stability, got %f", next.Stability)
	}
	if next.Difficulty < 1 || next.Difficulty > 10 {
		t.Errorf("Difficulty out of range: %f", next.Difficulty)
	}
}

// TestGraduation walks an item from new to review.
func TestGraduation(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()

	state := f.CreateInitialState(t0)
	state = f.Schedule(state, models.RatingGood, t0)
	if state.State != models.PhaseLearning {
		t.Fatalf("Expected learning, got %s", state.State)
	}

	t1 := t0.Add(30 * time.Minute)
	state = f.Schedule(state, models.RatingGood, t1)
	if state.State != models.PhaseReview {
		t.Errorf("Expected review after second successful review, got %s", state.State)
	}
	if state.Reps != 2 {
		t.Errorf("Expected reps 2, got %d", state.Reps)
	}
	// Review-phase items get day-granularity intervals.
	if state.Due.Sub(t1) < 24*time.Hour {
		t.Errorf("Expected at least a one-day interval, got %v", state.Due.Sub(t1))
	}
}

// TestRatingOrdering asserts the hard invariant: from the same prior state and
// review time, a lower rating never yields a later due date than a higher one.
func TestRatingOrdering(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()
	reviewed := t0.Add(-10 * 24 * time.Hour)

	priors := map[string]models.LearningState{
		"new": f.CreateInitialState(t0),
		"learning": {
			Difficulty: 5.0, Stability: 2.4, Due: t0,
			LastReview: &reviewed, Reps: 1, State: models.PhaseLearning,
		},
		"review-young": {
			Difficulty: 5.0, Stability: 3.0, Due: t0,
			LastReview: &reviewed, Reps: 4, State: models.PhaseReview,
		},
		"review-mature": {
			Difficulty: 7.5, Stability: 60.0, Due: t0,
			LastReview: &reviewed, Reps: 12, Lapses: 2, State: models.PhaseReview,
		},
		"relearning": {
			Difficulty: 8.0, Stability: 1.2, Due: t0,
			LastReview: &reviewed, Reps: 6, Lapses: 1, State: models.PhaseRelearning,
		},
	}

	for name, prior := range priors {
		t.Run(name, func(t *testing.T) {
			var prevDue time.Time
			for i, rating := range allRatings {
				next := f.Schedule(prior, rating, t0)
				if i > 0 && next.Due.Before(prevDue) {
					t.Errorf("Rating %s produced due %v earlier than lower rating's %v",
						rating, next.Due, prevDue)
				}
				prevDue = next.Due
			}
		})
	}
}

// TestLapseAccounting ensures lapses increment only on forgot-in-review.
func TestLapseAccounting(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()
	reviewed := t0.Add(-5 * 24 * time.Hour)

	review := models.LearningState{
		Difficulty: 5.0, Stability: 10.0, Due: t0,
		LastReview: &reviewed, Reps: 5, Lapses: 1, State: models.PhaseReview,
	}

	next := f.Schedule(review, models.RatingForgot, t0)
	if next.Lapses != 2 {
		t.Errorf("Expected lapses 2 after forgot in review, got %d", next.Lapses)
	}
	if next.State != models.PhaseRelearning {
		t.Errorf("Expected relearning after forgot, got %s", next.State)
	}
	if next.Stability >= review.Stability {
		t.Errorf("Lapse should shrink stability: %f >= %f", next.Stability, review.Stability)
	}

	// Forgot while still learning does not count as a lapse.
	learning := models.LearningState{
		Difficulty: 5.0, Stability: 0.6, Due: t0,
		LastReview: &reviewed, Reps: 1, State: models.PhaseLearning,
	}
	next = f.Schedule(learning, models.RatingForgot, t0)
	if next.Lapses != 0 {
		t.Errorf("Expected no lapse while learning, got %d", next.Lapses)
	}

	// Recovery: good in relearning returns to review.
	relearning := next
	relearning.State = models.PhaseRelearning
	next = f.Schedule(relearning, models.RatingGood, t0.Add(10*time.Minute))
	if next.State != models.PhaseReview {
		t.Errorf("Expected review after recovery, got %s", next.State)
	}
}

// TestIsDueBoundary checks the inclusive due boundary.
func TestIsDueBoundary(t *testing.T) {
	f := New(DefaultConfig())
	due := time.Now()
	state := models.LearningState{Due: due, State: models.PhaseReview}

	tests := []struct {
		name string
		asOf time.Time
		want bool
	}{
		{"one second early", due.Add(-time.Second), false},
		{"exactly due", due, true},
		{"one second late", due.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsDue(state, tt.asOf); got != tt.want {
				t.Errorf("IsDue(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

// TestRetrievability verifies the forgetting curve shape.
func TestRetrievability(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()

	state := f.CreateInitialState(t0)
	state = f.Schedule(state, models.RatingGood, t0)

	r0 := f.Retrievability(state, t0)
	if math.Abs(r0-1.0) > 0.001 {
		t.Errorf("Expected retrievability ~1.0 right after review, got %f", r0)
	}

	prev := r0
	for days := 1; days <= 60; days *= 2 {
		r := f.Retrievability(state, t0.AddDate(0, 0, days))
		if r >= prev {
			t.Errorf("Retrievability should strictly decrease: day %d gave %f >= %f", days, r, prev)
		}
		if r < 0 || r > 1 {
			t.Errorf("Retrievability out of range at day %d: %f", days, r)
		}
		prev = r
	}
}

// TestRetentionTargetsInterval checks that the interval hits the configured
// retention: at stability s and retention 0.9 the interval is ~s days.
func TestRetentionTargetsInterval(t *testing.T) {
	f := New(DefaultConfig())

	for _, s := range []float64{1, 5, 20, 100} {
		days := f.nextIntervalDays(s)
		if math.Abs(float64(days)-s) > math.Max(1, s*0.05) {
			t.Errorf("Stability %.0f: expected interval ~%.0f days, got %d", s, s, days)
		}
	}
}

// TestMaximumIntervalCap ensures the configured cap is honored.
func TestMaximumIntervalCap(t *testing.T) {
	f := New(Config{MaximumInterval: 30, RequestRetention: 0.9})
	t0 := time.Now()
	reviewed := t0.Add(-20 * 24 * time.Hour)

	state := models.LearningState{
		Difficulty: 3.0, Stability: 500.0, Due: t0,
		LastReview: &reviewed, Reps: 20, State: models.PhaseReview,
	}

	next := f.Schedule(state, models.RatingEasy, t0)
	maxDue := t0.AddDate(0, 0, 30)
	if next.Due.After(maxDue) {
		t.Errorf("Due %v exceeds maximum interval cap %v", next.Due, maxDue)
	}
}

// TestScheduleIsPure verifies the input state is never mutated.
func TestScheduleIsPure(t *testing.T) {
	f := New(DefaultConfig())
	t0 := time.Now()

	state := f.CreateInitialState(t0)
	snapshot := state

	_ = f.Schedule(state, models.RatingEasy, t0)

	if state.Reps != snapshot.Reps || state.State != snapshot.State ||
		state.Stability != snapshot.Stability || !state.Due.Equal(snapshot.Due) {
		t.Error("Schedule mutated its input state")
	}
}

// TestStabilityGrowth: repeated good reviews at the due date should grow
// stability monotonically.
func TestStabilityGrowth(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()

	state := f.CreateInitialState(now)
	state = f.Schedule(state, models.RatingGood, now)
	state = f.Schedule(state, models.RatingGood, state.Due)

	for i := 0; i < 6; i++ {
		prev := state.Stability
		state = f.Schedule(state, models.RatingGood, state.Due)
		if state.Stability <= prev {
			t.Errorf("Review %d: stability %f did not grow past %f", i, state.Stability, prev)
		}
		if state.State != models.PhaseReview {
			t.Errorf("Review %d: expected review phase, got %s", i, state.State)
		}
	}
}
