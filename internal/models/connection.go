package models

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"recollect/internal/protocol"
)

// SessionConnection is the per-connection state of one live recall session
// socket. It is owned exclusively by that connection's goroutines and is never
// shared across connections.
type SessionConnection struct {
	ConnID    string
	SessionID string

	Session   *Session
	RecallSet *RecallSet
	Points    []RecallPoint

	Initialized       bool
	LastMessageTime   time.Time
	ConsecutiveErrors int

	// Completion overlay bookkeeping: all points recalled but the client has
	// not yet committed to finishing or continuing.
	OverlaySent      bool
	OverlayDismissed bool

	// Rabbithole the client explicitly entered, if any.
	CurrentTangentID string
	// Most recently offered (detected but not yet entered) rabbithole.
	PendingTangentID string
	// Points recalled since entering the current rabbithole.
	TangentRecalledCount int

	WriteChan chan protocol.ServerMessage
	Limiter   *rate.Limiter

	Mutex       sync.Mutex
	closed      bool
	writeClosed bool
}

// SafeSend sends a frame to the write loop, returning false if the connection
// has been closed. Recovers from a send on a closed channel so late engine or
// detector results never panic the handler.
func (sc *SessionConnection) SafeSend(msg protocol.ServerMessage) (ok bool) {
	sc.Mutex.Lock()
	if sc.closed {
		sc.Mutex.Unlock()
		return false
	}
	sc.Mutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			sc.MarkClosed()
			ok = false
		}
	}()

	sc.WriteChan <- msg
	return true
}

// MarkClosed marks the connection as closed.
func (sc *SessionConnection) MarkClosed() {
	sc.Mutex.Lock()
	sc.closed = true
	sc.Mutex.Unlock()
}

// ShutdownWrites stops accepting new frames and closes the write channel
// exactly once. Frames already buffered stay readable, so the write loop can
// drain them before the socket goes away.
func (sc *SessionConnection) ShutdownWrites() {
	sc.Mutex.Lock()
	defer sc.Mutex.Unlock()
	sc.closed = true
	if !sc.writeClosed {
		sc.writeClosed = true
		close(sc.WriteChan)
	}
}

// IsClosed reports whether the connection has been marked closed.
func (sc *SessionConnection) IsClosed() bool {
	sc.Mutex.Lock()
	defer sc.Mutex.Unlock()
	return sc.closed
}
