package domain

import (
	"time"
)

type FragmentID string

// Fragment is one persisted piece of transcript text. Never edited.
type Fragment struct {
	ID              FragmentID      `json:"id"`
	SessionRecordID SessionRecordID `json:"session_record_id"`
	Text            string          `json:"text"`
	InsertedAt      time.Time       `json:"inserted_at"`
	Seq             uint64          `json:"seq"`
}

// Before orders fragments by insertion time, breaking ties with the store sequence.
func (f Fragment) Before(o Fragment) bool {
	if f.InsertedAt.Equal(o.InsertedAt) {
		return f.Seq < o.Seq
	}
	return f.InsertedAt.Before(o.InsertedAt)
}

// AudioSegment is one closed capture unit waiting for transcription.
// Data is a complete Ogg/Opus file.
type AudioSegment struct {
	Seq       int
	StartedAt time.Time
	// Offset is media time since capture start.
	Offset   time.Duration
	Duration time.Duration
	Frames   int
	Data     []byte
}

func (s AudioSegment) End() time.Duration { return s.Offset + s.Duration }
