package models

import "time"

// TangentStatus is the lifecycle status of a conversational tangent.
type TangentStatus string

const (
	TangentActive    TangentStatus = "active"
	TangentReturned  TangentStatus = "returned"
	TangentAbandoned TangentStatus = "abandoned"
)

// ActiveTangent is one detected conversational detour ("rabbithole") away from
// the current recall point. Exactly one authoritative record exists per open
// tangent; topics are deduplicated case- and whitespace-insensitively.
type ActiveTangent struct {
	ID                  string        `bson:"_id" json:"id"`
	SessionID           string        `bson:"sessionId" json:"sessionId"`
	Topic               string        `bson:"topic" json:"topic"`
	TriggerMessageIndex int           `bson:"triggerMessageIndex" json:"triggerMessageIndex"`
	ReturnMessageIndex  int           `bson:"returnMessageIndex,omitempty" json:"returnMessageIndex,omitempty"`
	Depth               int           `bson:"depth" json:"depth"` // 1..3
	RelatedPointIDs     []string      `bson:"relatedPointIds,omitempty" json:"relatedPointIds,omitempty"`
	UserInitiated       bool          `bson:"userInitiated" json:"userInitiated"`
	Status              TangentStatus `bson:"status" json:"status"`
	DetectedAt          time.Time     `bson:"detectedAt" json:"detectedAt"`
}
