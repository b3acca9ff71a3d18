package model

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// FileData references an uploaded CSV waiting to be consumed by a bulk-update turn.
type FileData struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"` // base64
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// ConversationState is the value threaded through every node of one turn.
// Nodes never mutate it; the runtime derives the successor with Apply.
type ConversationState struct {
	Messages         Messages      `json:"messages"`
	SessionID        string        `json:"session_id"`
	Version          int           `json:"version"`
	Timestamp        time.Time     `json:"timestamp"`
	Resources        ResourceBox   `json:"resources"`
	AvailableWorkers []WorkerState `json:"available_workers"`
	LastWorker       NodeID        `json:"last_worker,omitempty"`
	FileData         *FileData     `json:"file_data,omitempty"`
}

// Command is what a node returns: the next node plus a partial update.
type Command struct {
	Goto NodeID
	// Append is added to the message sequence in order.
	Append []*schema.Message
	// Resource, when set, replaces the value under its key.
	Resource Resource
	// Workers replaces AvailableWorkers when SetWorkers is true.
	Workers    []WorkerState
	SetWorkers bool
}

// WithWorkers returns c with the available worker set replaced.
func (c Command) WithWorkers(ws []WorkerState) Command {
	c.Workers = ws
	c.SetWorkers = true
	return c
}

// LatestUserQuery returns the content of the most recent user message.
func (s *ConversationState) LatestUserQuery() (string, bool) {
	msg, ok := s.Messages.LatestUser()
	if !ok {
		return "", false
	}
	return msg.Content, true
}

// LastContent is the content of the final message, or "".
func (s *ConversationState) LastContent() string {
	if last := s.Messages.Last(); last != nil {
		return last.Content
	}
	return ""
}

// Apply derives the successor state for a visit of node. Version is bumped
// exactly once and the timestamp set to now, whatever the command carries.
func (s *ConversationState) Apply(node NodeID, cmd Command, now time.Time) *ConversationState {
	next := *s
	now = now.UTC()

	stamped := make([]*schema.Message, 0, len(cmd.Append))
	for _, msg := range cmd.Append {
		if msg != nil {
			stamped = append(stamped, stampID(msg, now))
		}
	}
	next.Messages = s.Messages.Append(stamped...)

	if cmd.Resource != nil {
		next.Resources = s.Resources.With(cmd.Resource)
	}
	if cmd.SetWorkers {
		next.AvailableWorkers = CloneWorkers(cmd.Workers)
	}
	next.LastWorker = node
	next.Version = s.Version + 1
	next.Timestamp = now
	return &next
}
