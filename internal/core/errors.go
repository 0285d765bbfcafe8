package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/callscribe/internal/domain"
)

var (
	ErrMediaAccess   = errors.New("media access")
	ErrNegotiation   = errors.New("negotiation")
	ErrTransport     = errors.New("transport")
	ErrTranscription = errors.New("transcription")
	ErrStore         = errors.New("store")
	ErrSessionLost   = errors.New("session lost")
)

// SessionLostError reports that the peer connection reached a terminal state.
type SessionLostError struct {
	State domain.ConnectionState
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("session lost: connection %s", e.State)
}

func (e *SessionLostError) Is(target error) bool {
	return target == ErrSessionLost || target == ErrTransport
}
