package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/agent/oracle"
	"github.com/nextseek-chat/server/internal/agent/tools"
)

// User-facing failure messages.
const (
	MsgTryAgainLater     = "I am sorry, I am unable to retrieve the information. Please try again later. You can visit the website for more information."
	MsgTriageFailed      = "I am sorry, I could not process your message. Please try again later."
	MsgSchemaFailed      = "I am sorry, I could not map your request to the database schema."
	MsgNavigationFailed  = "I am sorry, I could not decide how to retrieve this information."
	MsgSupervisorFailed  = "I am sorry, I could not decide how to continue with your request. Please try again later."
	MsgSummaryFailed     = "The retrieved data could not be summarized. Continuing with the full results."
	MsgFormatFailed      = "An error occurred while formatting the response."
	MsgValidationFailed  = "I am sorry, I could not verify the answer. Please try again later."
	MsgNoReliableAnswer  = "I am sorry, I could not produce a reliable answer. Please rephrase your question."
	msgNoTool            = "No tool was selected. Invalid query."
	msgToolNotAvailable  = "The %s tool is not available to %s."
	msgToolError         = "An error occurred: %v"
	msgToolEmpty         = "No result was returned from %s"
	msgToolSuccess       = "The %s tool has been executed successfully. The result is: ```json\n%s\n```"
	msgNoRelevantKeys    = "No relevant database keys were found for this request."
	msgRelevantKeys      = "The relevant database keys are: %s"
	msgWorkersExhausted  = "All available workers have reported back."
	userMessageName      = "user"
	justificationPrefix  = "Justification: "
	explanationPrefix    = "Explanation: "
)

var (
	// ErrNoUserMessage marks a state without any user-authored message.
	ErrNoUserMessage = errors.New("no user message in conversation")
	// ErrInvalidWorker is returned when the oracle routes to a worker outside the offered set.
	ErrInvalidWorker = errors.New("oracle chose an unavailable worker")
)

// Func is the uniform node contract: read the state, return the next node
// plus a partial update. Failures are returned as *Failure.
type Func func(ctx context.Context, state *model.ConversationState) (model.Command, error)

// Failure is a node error with the diagnostic message shown to the user. The
// graph runtime appends Message and routes to the node's fallback.
type Failure struct {
	Node    model.NodeID
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Node, f.Message)
	}
	return fmt.Sprintf("%s: %v", f.Node, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(node model.NodeID, message string, err error) error {
	return &Failure{Node: node, Message: message, Err: err}
}

// ToolRunner executes one resolved tool call.
type ToolRunner interface {
	Execute(ctx context.Context, call tools.Call) (model.Resource, error)
}

// SchemaSource describes the metadata store tables.
type SchemaSource interface {
	Schema(ctx context.Context, tables []string) ([]model.Table, error)
}

// Nodes holds the collaborators shared by every node.
type Nodes struct {
	oracle oracle.Oracle
	tools  ToolRunner
	schema SchemaSource
	tables []string
}

func New(o oracle.Oracle, tr ToolRunner, ss SchemaSource, schemaTables []string) *Nodes {
	return &Nodes{oracle: o, tools: tr, schema: ss, tables: schemaTables}
}

// Funcs maps every worker node to its implementation. FINISH is handled by
// the graph itself.
func (n *Nodes) Funcs() map[model.NodeID]Func {
	return map[model.NodeID]Func{
		model.NodeConversationalist:        n.Conversationalist,
		model.NodeQueryParser:              n.QueryParser,
		model.NodeSchemaRetriever:          n.SchemaRetriever,
		model.NodeSampleInfoRetriever:      n.SampleInfoRetriever,
		model.NodeMultiSampleInfoRetriever: n.MultiSampleInfoRetriever,
		model.NodeArchivist:                n.Archivist,
		model.NodeSupervisor:               n.Supervisor,
		model.NodeResponder:                n.Responder,
		model.NodeDataSummarizer:           n.DataSummarizer,
		model.NodeResponseFormatter:        n.ResponseFormatter,
		model.NodeValidator:                n.Validator,
	}
}

func (n *Nodes) request(kind oracle.Kind, agent model.NodeID, state *model.ConversationState, query string) oracle.Request {
	w, _ := model.Worker(agent)
	return oracle.Request{
		Kind:    kind,
		Agent:   agent,
		Role:    w.Role,
		Toolbox: w.Toolbox,
		Payload: oracle.NewPayload(state, query),
	}
}

func latestQuery(state *model.ConversationState) string {
	q, _ := state.LatestUserQuery()
	return q
}

func say(node model.NodeID, content string) []*schema.Message {
	return []*schema.Message{model.AgentMessage(node, content)}
}

// Conversationalist triages the latest user message: either it needs data
// and goes to the query parser, or the oracle answers it directly.
func (n *Nodes) Conversationalist(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	query, ok := state.LatestUserQuery()
	if !ok {
		return model.Command{}, fail(model.NodeConversationalist, MsgTryAgainLater, ErrNoUserMessage)
	}

	d, err := oracle.Decide[oracle.TriageDecision](ctx, n.oracle,
		n.request(oracle.KindTriage, model.NodeConversationalist, state, query))
	if err != nil {
		return model.Command{}, fail(model.NodeConversationalist, MsgTriageFailed, err)
	}

	if d.RetrieveInfo {
		rewritten := strings.TrimSpace(d.UserQuery)
		if rewritten == "" {
			rewritten = query
		}
		msg := schema.UserMessage(rewritten)
		msg.Name = userMessageName
		return model.Command{
			Goto:   model.NodeQueryParser,
			Append: []*schema.Message{msg},
		}, nil
	}

	answer := strings.TrimSpace(d.Response)
	if answer == "" {
		return model.Command{}, fail(model.NodeConversationalist, MsgTriageFailed, oracle.ErrEmptyDecision)
	}
	return model.Command{
		Goto:   model.NodeFinish,
		Append: say(model.NodeConversationalist, answer),
	}, nil
}

// QueryParser extracts the structured query and attaches it to the resources.
func (n *Nodes) QueryParser(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	query, ok := state.LatestUserQuery()
	if !ok {
		return model.Command{}, fail(model.NodeQueryParser, MsgTryAgainLater, ErrNoUserMessage)
	}

	d, err := oracle.Decide[oracle.ParseDecision](ctx, n.oracle,
		n.request(oracle.KindParse, model.NodeQueryParser, state, query))
	if err != nil {
		return model.Command{}, fail(model.NodeQueryParser, MsgTryAgainLater, err)
	}
	res, err := model.DecodeResource(model.KeyParsedQuery, d.ParsedQuery)
	if err != nil {
		return model.Command{}, fail(model.NodeQueryParser, MsgTryAgainLater, fmt.Errorf("parsed query: %w", err))
	}

	body, err := json.Marshal(res)
	if err != nil {
		return model.Command{}, fail(model.NodeQueryParser, MsgTryAgainLater, err)
	}
	content := "Parsed User Query: ```json\n" + string(body) + "\n```\n" +
		justificationPrefix + d.Justification + "\n" +
		explanationPrefix + d.Explanation
	return model.Command{
		Goto:     model.NodeSupervisor,
		Append:   say(model.NodeQueryParser, content),
		Resource: res,
	}, nil
}
