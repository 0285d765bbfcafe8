package call

import (
	"sync"

	"github.com/dkeye/callscribe/internal/domain"
)

// SessionContext is the identity shared by the negotiator and both relays for
// one join attempt. A fresh context is built per join.
type SessionContext struct {
	RoomCode    domain.RoomCode
	RecordID    domain.SessionRecordID
	LocalPeerID domain.PeerID
	MediaKind   domain.MediaKind
	// Role is the configured role. RoleAuto is settled per join by the negotiator.
	Role domain.Role

	mu         sync.Mutex
	remotePeer domain.PeerID
	bound      bool
	decided    domain.Role
}

// LatchRemote records id as the remote participant if none is known yet.
// It reports whether id is the remote participant.
func (sc *SessionContext) LatchRemote(id domain.PeerID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.remotePeer == "" {
		sc.remotePeer = id
		return true
	}
	return sc.remotePeer == id
}

// ReleaseRemote forgets id unless a remote description from it was applied.
func (sc *SessionContext) ReleaseRemote(id domain.PeerID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.remotePeer != id || sc.bound {
		return false
	}
	sc.remotePeer = ""
	return true
}

// BindRemote pins the latched remote once its description is applied.
func (sc *SessionContext) BindRemote() {
	sc.mu.Lock()
	sc.bound = true
	sc.mu.Unlock()
}

func (sc *SessionContext) RemotePeer() domain.PeerID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.remotePeer
}

func (sc *SessionContext) setRole(r domain.Role) {
	sc.mu.Lock()
	sc.decided = r
	sc.mu.Unlock()
}

// CurrentRole is the role this join plays, or RoleAuto while undecided.
func (sc *SessionContext) CurrentRole() domain.Role {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.decided != "" {
		return sc.decided
	}
	if sc.Role == "" {
		return domain.RoleAuto
	}
	return sc.Role
}

// SessionInfo is a read-only snapshot of a SessionContext.
type SessionInfo struct {
	RoomCode     domain.RoomCode        `json:"room_code"`
	RecordID     domain.SessionRecordID `json:"record_id"`
	LocalPeerID  domain.PeerID          `json:"local_peer_id"`
	RemotePeerID domain.PeerID          `json:"remote_peer_id,omitempty"`
	MediaKind    domain.MediaKind       `json:"media_kind"`
	Role         domain.Role            `json:"role"`
}

func (sc *SessionContext) Info() SessionInfo {
	return SessionInfo{
		RoomCode:     sc.RoomCode,
		RecordID:     sc.RecordID,
		LocalPeerID:  sc.LocalPeerID,
		RemotePeerID: sc.RemotePeer(),
		MediaKind:    sc.MediaKind,
		Role:         sc.CurrentRole(),
	}
}
