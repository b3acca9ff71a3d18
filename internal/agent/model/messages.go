package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// MessageIDKey is the Extra key carrying a message id.
const MessageIDKey = "message_id"

// DiagnosticKey marks, in Extra, a message appended for a failed node.
const DiagnosticKey = "diagnostic"

// Messages is a persistent message sequence. Append never mutates the
// receiver; it returns a new sequence sharing no backing array with the old one.
type Messages struct {
	items []*schema.Message
}

// NewMessages builds a sequence from msgs, skipping nils.
func NewMessages(msgs ...*schema.Message) Messages {
	return Messages{}.Append(msgs...)
}

// Append returns a new sequence with msgs added at the end.
func (m Messages) Append(msgs ...*schema.Message) Messages {
	items := make([]*schema.Message, 0, len(m.items)+len(msgs))
	items = append(items, m.items...)
	for _, msg := range msgs {
		if msg != nil {
			items = append(items, msg)
		}
	}
	return Messages{items: items}
}

func (m Messages) Len() int {
	return len(m.items)
}

// At returns the message at i, or nil when out of range.
func (m Messages) At(i int) *schema.Message {
	if i < 0 || i >= len(m.items) {
		return nil
	}
	return m.items[i]
}

// Last returns the final message, or nil for an empty sequence.
func (m Messages) Last() *schema.Message {
	return m.At(len(m.items) - 1)
}

// Slice returns a copy of the underlying slice.
func (m Messages) Slice() []*schema.Message {
	out := make([]*schema.Message, len(m.items))
	copy(out, m.items)
	return out
}

// LatestUser returns the most recently appended user-authored message.
func (m Messages) LatestUser() (*schema.Message, bool) {
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].Role == schema.User {
			return m.items[i], true
		}
	}
	return nil, false
}

// ByName keeps messages whose Name is in names, preserving order.
func (m Messages) ByName(names ...NodeID) []*schema.Message {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[string(n)] = struct{}{}
	}
	var out []*schema.Message
	for _, msg := range m.items {
		if _, ok := want[msg.Name]; ok {
			out = append(out, msg)
		}
	}
	return out
}

func (m Messages) MarshalJSON() ([]byte, error) {
	if m.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.items)
}

func (m *Messages) UnmarshalJSON(b []byte) error {
	var items []*schema.Message
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	*m = NewMessages(items...)
	return nil
}

// AgentMessage builds an assistant message tagged with the authoring node.
func AgentMessage(name NodeID, content string) *schema.Message {
	msg := schema.AssistantMessage(content, nil)
	msg.Name = string(name)
	return msg
}

// DiagnosticMessage is an agent message reporting that node name failed.
func DiagnosticMessage(name NodeID, content string) *schema.Message {
	msg := AgentMessage(name, content)
	msg.Extra = map[string]any{DiagnosticKey: true}
	return msg
}

// IsDiagnostic reports whether msg was appended for a failed node.
func IsDiagnostic(msg *schema.Message) bool {
	if msg == nil || msg.Extra == nil {
		return false
	}
	v, _ := msg.Extra[DiagnosticKey].(bool)
	return v
}

// WithoutDiagnostics drops the failure reports from msgs.
func WithoutDiagnostics(msgs []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if !IsDiagnostic(m) {
			out = append(out, m)
		}
	}
	return out
}

// NewMessageID returns an id whose prefix sorts chronologically.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// MessageID returns the id stored in msg.Extra, if any.
func MessageID(msg *schema.Message) string {
	if msg == nil || msg.Extra == nil {
		return ""
	}
	id, _ := msg.Extra[MessageIDKey].(string)
	return id
}

// stampID returns msg with a message id, copying it when one must be added.
func stampID(msg *schema.Message, now time.Time) *schema.Message {
	if MessageID(msg) != "" {
		return msg
	}
	cp := *msg
	extra := make(map[string]any, len(msg.Extra)+1)
	for k, v := range msg.Extra {
		extra[k] = v
	}
	extra[MessageIDKey] = NewMessageID(now)
	cp.Extra = extra
	return &cp
}
