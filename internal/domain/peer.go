package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const MaxPeerIDLen = 36

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

// PeerID identifies one participant for the lifetime of a single join.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (id PeerID) Validate() error {
	if len(id) == 0 {
		return ErrPeerIDEmpty
	}
	if len(id) > MaxPeerIDLen {
		return ErrPeerIDTooLong
	}
	return nil
}

// MediaKind is what the local participant captures and sends.
type MediaKind string

const (
	MediaAudio      MediaKind = "audio"
	MediaAudioVideo MediaKind = "audio+video"
)

func (k MediaKind) HasVideo() bool { return k == MediaAudioVideo }

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", MediaAudio:
		return MediaAudio, nil
	case MediaAudioVideo, "video":
		return MediaAudioVideo, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// Role decides who creates the offer.
type Role string

const (
	// RoleAuto settles the role once the other participant is known.
	RoleAuto      Role = "auto"
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleAuto:
		return RoleAuto, nil
	case RoleInitiator:
		return RoleInitiator, nil
	case RoleResponder:
		return RoleResponder, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Against turns RoleAuto into a concrete role for a call between local and
// remote. A remote with a fixed role gets the opposite one; between two auto
// peers the smaller id initiates.
func (r Role) Against(local, remote PeerID, remoteRole Role) Role {
	if r != RoleAuto {
		return r
	}
	switch remoteRole {
	case RoleInitiator:
		return RoleResponder
	case RoleResponder:
		return RoleInitiator
	}
	if local < remote {
		return RoleInitiator
	}
	return RoleResponder
}
