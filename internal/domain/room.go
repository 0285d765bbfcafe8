// Package domain contains entities without logic, just meta-data and validation.
package domain

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRoomCodeLen = 32
	RoomCodeLen    = 6
)

var (
	ErrRoomCodeEmpty   = errors.New("room code empty")
	ErrRoomCodeTooLong = errors.New("room code too long")
	ErrRoomCodeInvalid = errors.New("room code must be alphanumeric")
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type (
	// RoomCode is the human-shareable identifier two peers agree on out of band.
	RoomCode string
	// SessionRecordID is the store-assigned id every signal and fragment is scoped to.
	SessionRecordID string
)

type Room struct {
	Code      RoomCode        `json:"code"`
	RecordID  SessionRecordID `json:"record_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRoom allocates a fresh record for code.
func NewRoom(code RoomCode, now time.Time) *Room {
	return &Room{
		Code:      code,
		RecordID:  SessionRecordID(uuid.NewString()),
		CreatedAt: now,
	}
}

// ParseRoomCode normalizes user input to upper case and validates it.
func ParseRoomCode(raw string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", ErrRoomCodeEmpty
	}
	if len(code) > MaxRoomCodeLen {
		return "", ErrRoomCodeTooLong
	}
	for _, r := range code {
		if !strings.ContainsRune(roomCodeAlphabet, r) {
			return "", ErrRoomCodeInvalid
		}
	}
	return RoomCode(code), nil
}

// NewRoomCode returns a random six character code.
func NewRoomCode() RoomCode {
	var b strings.Builder
	b.Grow(RoomCodeLen)
	for range RoomCodeLen {
		b.WriteByte(roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))])
	}
	return RoomCode(b.String())
}
