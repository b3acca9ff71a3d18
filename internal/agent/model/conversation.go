package model

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps the latest ConversationState per caller session id.
// A turn owns its session exclusively while in flight.
type SessionStore interface {
	// Get returns the stored state or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*ConversationState, error)

	// Put stores state under sessionID, replacing any previous snapshot.
	Put(ctx context.Context, sessionID string, state *ConversationState) error

	// PutFile stores an upload to be consumed by the next turn of sessionID.
	PutFile(ctx context.Context, sessionID string, file FileData) error

	// TakeFile returns and removes the pending upload, or nil when none exists.
	TakeFile(ctx context.Context, sessionID string) (*FileData, error)
}

// DeltaMessage is one inbound user turn.
type DeltaMessage struct {
	SessionID  string `json:"session_id,omitempty"`
	NewMessage string `json:"new_message"`
	Timestamp  string `json:"timestamp,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// OutputMessage is one record of a turn's response.
type OutputMessage struct {
	Content string `json:"content"`
	Name    string `json:"name"`
}

// TurnResult is what a completed turn hands back to the caller.
type TurnResult struct {
	SessionID string
	State     *ConversationState
	Messages  []OutputMessage
	Answer    string
	Elapsed   time.Duration
}
