// Package oracle asks a language model for the structured decisions that drive
// the sample retrieval graph.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/nextseek-chat/server/internal/agent/model"
)

// Kind selects the decision a request asks for.
type Kind string

const (
	KindTriage    Kind = "triage"
	KindParse     Kind = "parse"
	KindSchema    Kind = "schema"
	KindNavigate  Kind = "navigate"
	KindSupervise Kind = "supervise"
	KindRespond   Kind = "respond"
	KindSummarize Kind = "summarize"
	KindFormat    Kind = "format"
	KindValidate  Kind = "validate"
)

var (
	// ErrEmptyDecision is returned when the oracle produced no usable answer.
	ErrEmptyDecision = errors.New("oracle returned an empty decision")
	// ErrUnexpectedDecision is returned when the decision type does not match the request kind.
	ErrUnexpectedDecision = errors.New("oracle returned an unexpected decision type")
)

// Oracle turns an agent descriptor plus payload into one typed decision.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Request is one decision call.
type Request struct {
	Kind    Kind
	Agent   model.NodeID
	Role    string
	Toolbox map[string]model.ToolDoc
	Workers []model.WorkerState
	// SchemaKeys is the key inventory offered to a schema decision.
	SchemaKeys []string
	Payload    Payload
}

// AggregatedMessage is one prior message as shown to the oracle.
type AggregatedMessage struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the JSON document handed to the oracle with every request.
type Payload struct {
	SystemMessage      string              `json:"system_message,omitempty"`
	UserQuery          string              `json:"user_query"`
	AggregatedMessages []AggregatedMessage `json:"aggregatedMessages"`
	Resources          model.ResourceBox   `json:"resource"`
	LastWorker         model.NodeID        `json:"last_worker,omitempty"`
	AvailableWorkers   []string            `json:"available_workers,omitempty"`
	FileAttached       bool                `json:"file_attached"`
}

// NewPayload builds the common payload from state. Every message is included;
// callers narrow AggregatedMessages when a node only needs a subset.
func NewPayload(state *model.ConversationState, userQuery string) Payload {
	p := Payload{
		UserQuery:          userQuery,
		AggregatedMessages: Aggregate(state.Messages.Slice()),
		Resources:          state.Resources,
		LastWorker:         state.LastWorker,
		AvailableWorkers:   model.WorkerNames(state.AvailableWorkers),
		FileAttached:       state.FileData != nil,
	}
	if first := state.Messages.At(0); first != nil && first.Role == schema.System {
		p.SystemMessage = first.Content
	}
	return p
}

// Aggregate converts messages to their oracle view.
func Aggregate(msgs []*schema.Message) []AggregatedMessage {
	out := make([]AggregatedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		name := m.Name
		if name == "" {
			name = string(m.Role)
		}
		out = append(out, AggregatedMessage{Name: name, Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Decision is implemented by every typed oracle result.
type Decision interface {
	decision()
}

type TriageDecision struct {
	RetrieveInfo  bool   `json:"retrieve_info"`
	UserQuery     string `json:"user_query"`
	Response      string `json:"response"`
	Justification string `json:"justification"`
}

type ParseDecision struct {
	ParsedQuery   map[string]any `json:"parsed_query"`
	Justification string         `json:"justification"`
	Explanation   string         `json:"explanation"`
}

type SchemaDecision struct {
	RelevantKeys  []string       `json:"relevant_keys"`
	SchemaMap     map[string]any `json:"schema_map"`
	Justification string         `json:"justification"`
}

type NavigationDecision struct {
	NextTool      string         `json:"next_tool"`
	ToolArgs      map[string]any `json:"tool_args"`
	Justification string         `json:"justification"`
	Explanation   string         `json:"explanation"`
}

type NextWorker struct {
	Agent string `json:"agent"`
}

// RoutingDecision is returned by both supervise and respond requests.
type RoutingDecision struct {
	NextWorker    NextWorker `json:"Next_worker"`
	Justification string     `json:"justification"`
}

type SummaryDecision struct {
	Summary       string `json:"summary"`
	Justification string `json:"justification"`
}

type FormatDecision struct {
	FormattedResponse string `json:"formattedResponse"`
	Justification     string `json:"justification"`
}

type ValidationDecision struct {
	Valid              bool    `json:"Valid"`
	ClarifyingQuestion *string `json:"Clarifying_Question"`
	Error              *string `json:"error"`
}

func (*TriageDecision) decision()     {}
func (*ParseDecision) decision()      {}
func (*SchemaDecision) decision()     {}
func (*NavigationDecision) decision() {}
func (*RoutingDecision) decision()    {}
func (*SummaryDecision) decision()    {}
func (*FormatDecision) decision()     {}
func (*ValidationDecision) decision() {}

// newDecision returns the empty result value for kind.
func newDecision(kind Kind) (Decision, error) {
	switch kind {
	case KindTriage:
		return &TriageDecision{}, nil
	case KindParse:
		return &ParseDecision{}, nil
	case KindSchema:
		return &SchemaDecision{}, nil
	case KindNavigate:
		return &NavigationDecision{}, nil
	case KindSupervise, KindRespond:
		return &RoutingDecision{}, nil
	case KindSummarize:
		return &SummaryDecision{}, nil
	case KindFormat:
		return &FormatDecision{}, nil
	case KindValidate:
		return &ValidationDecision{}, nil
	default:
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}
}

// Decide runs req on o and asserts the result type.
func Decide[T any](ctx context.Context, o Oracle, req Request) (*T, error) {
	d, err := o.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrEmptyDecision
	}
	out, ok := any(d).(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %T for %s", ErrUnexpectedDecision, d, req.Kind)
	}
	if out == nil {
		return nil, ErrEmptyDecision
	}
	return out, nil
}
