package models

import "time"

// SessionStatus is the lifecycle status of a study session.
// completed and abandoned are terminal.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// Session is one bounded study conversation targeting a set of recall points.
type Session struct {
	ID               string        `bson:"_id" json:"id"`
	RecallSetID      string        `bson:"recallSetId" json:"recallSetId"`
	Status           SessionStatus `bson:"status" json:"status"`
	TargetPointIDs   []string      `bson:"targetPointIds" json:"targetPointIds"`
	RecalledPointIDs []string      `bson:"recalledPointIds" json:"recalledPointIds"`
	StartedAt        time.Time     `bson:"startedAt" json:"startedAt"`
	EndedAt          *time.Time    `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
	LastActivityAt   time.Time     `bson:"lastActivityAt" json:"lastActivityAt"`
}

// IsTerminal reports whether the session can no longer be resumed.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionAbandoned
}

// Recalled reports whether the given point has already been recalled in this
// session.
func (s *Session) Recalled(pointID string) bool {
	for _, id := range s.RecalledPointIDs {
		if id == pointID {
			return true
		}
	}
	return false
}

// Message roles in a session transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SessionMessage is one turn of the recall conversation.
type SessionMessage struct {
	ID        string    `bson:"_id" json:"id"`
	SessionID string    `bson:"sessionId" json:"sessionId"`
	Role      string    `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	Index     int       `bson:"index" json:"index"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}
