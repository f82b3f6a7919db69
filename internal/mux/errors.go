package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is the bulk rejection reason used by Stop.
	ErrStopped = errors.New("multiplexer stopped")

	// ErrSessionDisconnected rejects requests still queued for a peer whose
	// link closed.
	ErrSessionDisconnected = errors.New("session disconnected")

	// ErrNotLeaderConnected is the follower fail-fast error when the peer
	// link is down.
	ErrNotLeaderConnected = errors.New("not connected to leader")

	// ErrUnknownSession rejects enqueues for sessions not in the rotation.
	ErrUnknownSession = errors.New("unknown session")
)

// OwnershipError rejects a tab claim or release against a tab held by another
// session. It never reaches the extension; the check is purely local.
type OwnershipError struct {
	TabID int
	Owner string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("tab %d is owned by session %s", e.TabID, e.Owner)
}
