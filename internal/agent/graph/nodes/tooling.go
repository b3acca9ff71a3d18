package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/agent/oracle"
	"github.com/nextseek-chat/server/internal/agent/tools"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// ToolResponse is the outcome of one navigated tool call.
type ToolResponse struct {
	Agent         model.NodeID
	Tool          string
	Result        model.Resource
	Response      string
	Justification string
	Explanation   string
}

// Content is the message text a worker appends for r.
func (r ToolResponse) Content() string {
	return r.Response + "\n" + justificationPrefix + r.Justification + "\n" + explanationPrefix + r.Explanation
}

func (n *Nodes) SampleInfoRetriever(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	return n.runWorker(ctx, model.NodeSampleInfoRetriever, state)
}

func (n *Nodes) MultiSampleInfoRetriever(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	return n.runWorker(ctx, model.NodeMultiSampleInfoRetriever, state)
}

func (n *Nodes) Archivist(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	return n.runWorker(ctx, model.NodeArchivist, state)
}

// runWorker asks the oracle which tool to run, runs it and reports back to
// the supervisor. Only the navigation call itself can fail the node; tool
// problems become part of the response.
func (n *Nodes) runWorker(ctx context.Context, agent model.NodeID, state *model.ConversationState) (model.Command, error) {
	d, err := oracle.Decide[oracle.NavigationDecision](ctx, n.oracle,
		n.request(oracle.KindNavigate, agent, state, latestQuery(state)))
	if err != nil {
		return model.Command{}, fail(agent, MsgNavigationFailed, err)
	}

	resp := n.invokeTool(ctx, agent, state, d)
	return model.Command{
		Goto:     model.NodeSupervisor,
		Append:   say(agent, resp.Content()),
		Resource: resp.Result,
	}, nil
}

func (n *Nodes) invokeTool(ctx context.Context, agent model.NodeID, state *model.ConversationState, d *oracle.NavigationDecision) (resp ToolResponse) {
	resp = ToolResponse{
		Agent:         agent,
		Tool:          strings.TrimSpace(d.NextTool),
		Justification: d.Justification,
		Explanation:   d.Explanation,
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("agent", string(agent)).Str("tool", resp.Tool).Msgf("tool panic recovered: %v", r)
			resp.Result = nil
			resp.Response = fmt.Sprintf(msgToolError, r)
		}
	}()

	if resp.Tool == "" {
		resp.Response = msgNoTool
		return resp
	}
	id, err := tools.Resolve(agent, resp.Tool)
	if err != nil {
		resp.Response = fmt.Sprintf(msgToolNotAvailable, resp.Tool, agent)
		return resp
	}

	res, err := n.tools.Execute(ctx, tools.Call{Agent: agent, Tool: id, Args: d.ToolArgs, File: state.FileData})
	switch {
	case errors.Is(err, tools.ErrToolNotAvailable):
		resp.Response = fmt.Sprintf(msgToolNotAvailable, resp.Tool, agent)
	case err != nil:
		logx.Warn().Err(err).Str("agent", string(agent)).Str("tool", resp.Tool).Msg("tool call failed")
		resp.Response = fmt.Sprintf(msgToolError, err)
	case res == nil:
		resp.Response = fmt.Sprintf(msgToolEmpty, resp.Tool)
	default:
		body, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			resp.Response = fmt.Sprintf(msgToolError, err)
			return resp
		}
		resp.Result = res
		resp.Response = fmt.Sprintf(msgToolSuccess, resp.Tool, body)
	}
	return resp
}

// SchemaRetriever narrows the metadata schema to the keys relevant to the
// query. It always precedes the multi-sample retriever.
func (n *Nodes) SchemaRetriever(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	tables, err := n.schema.Schema(ctx, n.tables)
	if err != nil {
		return model.Command{}, fail(model.NodeSchemaRetriever, MsgSchemaFailed, err)
	}
	keys := model.SchemaInfo{Tables: tables}.JSONKeys()
	if len(keys) == 0 {
		return model.Command{
			Goto:     model.NodeMultiSampleInfoRetriever,
			Append:   say(model.NodeSchemaRetriever, msgNoRelevantKeys),
			Resource: model.SchemaInfo{RelevantKeys: []string{}, Justification: "The schema exposes no JSON keys."},
		}, nil
	}

	req := n.request(oracle.KindSchema, model.NodeSchemaRetriever, state, latestQuery(state))
	req.SchemaKeys = keys
	d, err := oracle.Decide[oracle.SchemaDecision](ctx, n.oracle, req)
	if err != nil {
		return model.Command{}, fail(model.NodeSchemaRetriever, MsgSchemaFailed, err)
	}

	relevant := intersectKeys(d.RelevantKeys, keys)
	content := msgNoRelevantKeys
	if len(relevant) > 0 {
		content = fmt.Sprintf(msgRelevantKeys, strings.Join(relevant, ", "))
	}
	if j := strings.TrimSpace(d.Justification); j != "" {
		content += "\n" + justificationPrefix + j
	}
	return model.Command{
		Goto:     model.NodeMultiSampleInfoRetriever,
		Append:   say(model.NodeSchemaRetriever, content),
		Resource: model.SchemaInfo{RelevantKeys: relevant, Justification: d.Justification},
	}, nil
}

// intersectKeys keeps the chosen keys that exist in known, in chosen order.
func intersectKeys(chosen, known []string) []string {
	set := make(map[string]struct{}, len(known))
	for _, k := range known {
		set[k] = struct{}{}
	}
	out := []string{}
	seen := map[string]struct{}{}
	for _, k := range chosen {
		k = strings.TrimSpace(k)
		if _, ok := set[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
