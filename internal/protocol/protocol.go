// Package protocol defines the wire vocabulary for the real-time recall
// session connection: client frames, server frames, parse/serialize helpers,
// error codes, and close codes. All frames are JSON text.
package protocol

import (
	"encoding/json"
	"strings"
)

// ClientMessageType enumerates the closed client→server vocabulary.
type ClientMessageType string

const (
	ClientUserMessage       ClientMessageType = "user_message"
	ClientLeaveSession      ClientMessageType = "leave_session"
	ClientPing              ClientMessageType = "ping"
	ClientEnterRabbithole   ClientMessageType = "enter_rabbithole"
	ClientExitRabbithole    ClientMessageType = "exit_rabbithole"
	ClientDeclineRabbithole ClientMessageType = "decline_rabbithole"
	ClientDismissOverlay    ClientMessageType = "dismiss_overlay"
)

// ClientMessage is a validated inbound frame.
type ClientMessage struct {
	Type              ClientMessageType `json:"type"`
	Content           string            `json:"content,omitempty"`
	RabbitholeEventID string            `json:"rabbitholeEventId,omitempty"`
	Topic             string            `json:"topic,omitempty"`
}

// ErrorCode is the closed taxonomy of connection-level errors.
type ErrorCode string

const (
	ErrInvalidSessionID     ErrorCode = "INVALID_SESSION_ID"
	ErrSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionNotActive     ErrorCode = "SESSION_NOT_ACTIVE"
	ErrMalformedMessage     ErrorCode = "MALFORMED_MESSAGE"
	ErrUnknownMessageType   ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	ErrMissingRequiredField ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrEngine               ErrorCode = "ENGINE_ERROR"
	ErrLLM                  ErrorCode = "LLM_ERROR"
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
)

// errorDescriptions are the stable human-readable defaults per code.
var errorDescriptions = map[ErrorCode]string{
	ErrInvalidSessionID:     "Missing or malformed session identifier",
	ErrSessionNotFound:      "Session not found",
	ErrSessionNotActive:     "Session is not in progress",
	ErrMalformedMessage:     "Message is not valid JSON",
	ErrUnknownMessageType:   "Unknown message type",
	ErrMissingRequiredField: "A required field is missing or empty",
	ErrEngine:               "Session engine failure",
	ErrLLM:                  "Upstream language model failure",
	ErrInternal:             "Unexpected internal error",
}

// Describe returns the stable description for a code.
func (c ErrorCode) Describe() string {
	if d, ok := errorDescriptions[c]; ok {
		return d
	}
	return errorDescriptions[ErrInternal]
}

// ErrorPayload is the structured result of a rejected frame. Recoverable
// tells the client whether it may simply retry or the connection is about to
// close.
type ErrorPayload struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// NewError builds a payload with the code's stable description.
func NewError(code ErrorCode, recoverable bool) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: code.Describe(), Recoverable: recoverable}
}

// NewErrorf builds a payload with a custom message.
func NewErrorf(code ErrorCode, recoverable bool, message string) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message, Recoverable: recoverable}
}

// ParseClientMessage validates a raw inbound frame. It is total: any input,
// including non-JSON text, JSON null, or objects missing fields, yields a
// typed ErrorPayload rather than a panic or error.
func ParseClientMessage(raw []byte) (*ClientMessage, *ErrorPayload) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, NewError(ErrMalformedMessage, true)
	}
	if msg.Type == "" {
		return nil, NewErrorf(ErrMalformedMessage, true, "Message has no type")
	}

	switch msg.Type {
	case ClientUserMessage:
		if strings.TrimSpace(msg.Content) == "" {
			return nil, NewErrorf(ErrMissingRequiredField, true, "user_message requires non-empty content")
		}
	case ClientEnterRabbithole:
		if msg.RabbitholeEventID == "" || msg.Topic == "" {
			return nil, NewErrorf(ErrMissingRequiredField, true, "enter_rabbithole requires rabbitholeEventId and topic")
		}
	case ClientLeaveSession, ClientPing, ClientExitRabbithole, ClientDeclineRabbithole, ClientDismissOverlay:
		// No payload fields to validate.
	default:
		return nil, NewErrorf(ErrUnknownMessageType, true, "Unknown message type: "+string(msg.Type))
	}
	return &msg, nil
}

// Server→client message types.
const (
	TypeSessionStarted         = "session_started"
	TypeAssistantChunk         = "assistant_chunk"
	TypeAssistantComplete      = "assistant_complete"
	TypePointRecalled          = "point_recalled"
	TypeSessionComplete        = "session_complete"
	TypeSessionCompleteOverlay = "session_complete_overlay"
	TypeSessionPaused          = "session_paused"
	TypeRabbitholeDetected     = "rabbithole_detected"
	TypeRabbitholeEntered      = "rabbithole_entered"
	TypeRabbitholeExited       = "rabbithole_exited"
	TypeError                  = "error"
	TypePong                   = "pong"
)

// ServerMessage is the closed set of server→client frames. The interface is
// sealed so SerializeServerMessage can match exhaustively.
type ServerMessage interface {
	MessageType() string
}

type SessionStarted struct {
	SessionID      string `json:"sessionId"`
	OpeningMessage string `json:"openingMessage"`
	TotalPoints    int    `json:"totalPoints"`
	RecalledCount  int    `json:"recalledCount"`
}

type AssistantChunk struct {
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunkIndex"`
}

type AssistantComplete struct {
	FullContent string `json:"fullContent"`
	TotalChunks int    `json:"totalChunks"`
}

type PointRecalled struct {
	PointID       string `json:"pointId"`
	RecalledCount int    `json:"recalledCount"`
	TotalPoints   int    `json:"totalPoints"`
}

type SessionComplete struct {
	Summary string `json:"summary"`
}

type SessionCompleteOverlay struct {
	RecalledCount int    `json:"recalledCount"`
	TotalPoints   int    `json:"totalPoints"`
	SessionID     string `json:"sessionId"`
	Message       string `json:"message"`
	CanContinue   bool   `json:"canContinue"`
}

type SessionPaused struct {
	SessionID     string `json:"sessionId"`
	RecalledCount int    `json:"recalledCount"`
	TotalPoints   int    `json:"totalPoints"`
}

type RabbitholeDetected struct {
	Topic             string `json:"topic"`
	RabbitholeEventID string `json:"rabbitholeEventId"`
}

type RabbitholeEntered struct {
	Topic string `json:"topic"`
}

type RabbitholeExited struct {
	Label                string `json:"label"`
	PointsRecalledDuring int    `json:"pointsRecalledDuring"`
	CompletionPending    bool   `json:"completionPending"`
}

type ErrorMessage struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (SessionStarted) MessageType() string         { return TypeSessionStarted }
func (AssistantChunk) MessageType() string         { return TypeAssistantChunk }
func (AssistantComplete) MessageType() string      { return TypeAssistantComplete }
func (PointRecalled) MessageType() string          { return TypePointRecalled }
func (SessionComplete) MessageType() string        { return TypeSessionComplete }
func (SessionCompleteOverlay) MessageType() string { return TypeSessionCompleteOverlay }
func (SessionPaused) MessageType() string          { return TypeSessionPaused }
func (RabbitholeDetected) MessageType() string     { return TypeRabbitholeDetected }
func (RabbitholeEntered) MessageType() string      { return TypeRabbitholeEntered }
func (RabbitholeExited) MessageType() string       { return TypeRabbitholeExited }
func (ErrorMessage) MessageType() string           { return TypeError }
func (Pong) MessageType() string                   { return TypePong }

// ErrorFrame converts a parse/validation payload to an outbound error frame.
func ErrorFrame(p *ErrorPayload) ErrorMessage {
	return ErrorMessage{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable}
}

// SerializeServerMessage encodes a server frame, injecting the type tag. The
// switch is exhaustive over the sealed message set; an unknown concrete type
// is a programming error surfaced as ErrUnhandledMessage.
func SerializeServerMessage(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case SessionStarted:
		return marshalTagged(m.MessageType(), m)
	case AssistantChunk:
		return marshalTagged(m.MessageType(), m)
	case AssistantComplete:
		return marshalTagged(m.MessageType(), m)
	case PointRecalled:
		return marshalTagged(m.MessageType(), m)
	case SessionComplete:
		return marshalTagged(m.MessageType(), m)
	case SessionCompleteOverlay:
		return marshalTagged(m.MessageType(), m)
	case SessionPaused:
		return marshalTagged(m.MessageType(), m)
	case RabbitholeDetected:
		return marshalTagged(m.MessageType(), m)
	case RabbitholeEntered:
		return marshalTagged(m.MessageType(), m)
	case RabbitholeExited:
		return marshalTagged(m.MessageType(), m)
	case ErrorMessage:
		return marshalTagged(m.MessageType(), m)
	case Pong:
		return marshalTagged(m.MessageType(), m)
	}
	return nil, ErrUnhandledMessage
}

// marshalTagged wraps the payload struct with its type discriminator.
func marshalTagged(msgType string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeTag, _ := json.Marshal(msgType)

	out := make(map[string]json.RawMessage, len(fields)+1)
	out["type"] = typeTag
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}
