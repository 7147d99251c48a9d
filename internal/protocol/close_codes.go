package protocol

import "errors"

// ErrUnhandledMessage reports a server message type outside the sealed set.
var ErrUnhandledMessage = errors.New("protocol: unhandled server message type")

// Connection close codes. 1000 is the standard normal-closure code; the 4xxx
// range is the application-reserved block. Exact values are part of the client
// contract and must not change.
const (
	CloseNormal         = 1000 // session completed normally
	CloseEndedByClient  = 4000 // client left, session paused
	CloseAbandoned      = 4001 // session abandoned, progress discarded
	CloseInvalidSession = 4002 // missing, unknown, or non-resumable session
	CloseTooManyErrors  = 4003 // consecutive-error budget exhausted
	CloseServerShutdown = 4004 // server is shutting down
	CloseIdleTimeout    = 4005 // no client activity within the idle window
)

// CloseReason returns the short reason text sent with a close frame.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "session completed"
	case CloseEndedByClient:
		return "session ended by client"
	case CloseAbandoned:
		return "session abandoned"
	case CloseInvalidSession:
		return "invalid session"
	case CloseTooManyErrors:
		return "too many errors"
	case CloseServerShutdown:
		return "server shutting down"
	case CloseIdleTimeout:
		return "idle timeout"
	}
	return "closed"
}
