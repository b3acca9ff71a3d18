package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/nextseek-chat/server/internal/agent/graph/parsers"
	"github.com/nextseek-chat/server/internal/agent/graph/prompts"
	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metrics"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// ChatOracle answers decision requests with a chat model. Every request is a
// rendered prompt whose reply must be one JSON object.
type ChatOracle struct {
	model     einomodel.BaseChatModel
	provider  string
	modelName string
	metrics   metrics.Recorder
}

func NewChatOracle(cm einomodel.BaseChatModel, provider, modelName string, rec metrics.Recorder) *ChatOracle {
	return &ChatOracle{
		model:     cm,
		provider:  provider,
		modelName: modelName,
		metrics:   metrics.OrNop(rec),
	}
}

func (o *ChatOracle) Decide(ctx context.Context, req Request) (d Decision, err error) {
	start := time.Now()
	defer func() {
		o.metrics.ObserveOracle(string(req.Kind), o.modelName, err == nil, time.Since(start))
		if err != nil {
			logx.Warn().Err(err).Str("kind", string(req.Kind)).Str("agent", string(req.Agent)).Msg("oracle decision failed")
		}
	}()

	out, err := newDecision(req.Kind)
	if err != nil {
		return nil, err
	}
	msgs, err := o.render(ctx, req)
	if err != nil {
		return nil, err
	}
	reply, err := o.call(ctx, req, msgs)
	if err != nil {
		return nil, fmt.Errorf("%s oracle call: %w", req.Kind, err)
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, ErrEmptyDecision
	}
	o.recordUsage(req, reply)

	obj, err := parsers.ParseObject(reply.Content)
	if err != nil {
		return nil, fmt.Errorf("%s oracle reply: %w", req.Kind, err)
	}
	if len(obj) == 0 {
		return nil, ErrEmptyDecision
	}
	if err := model.DecodeLoose(obj, out); err != nil {
		return nil, fmt.Errorf("%s oracle reply: %w", req.Kind, err)
	}
	return out, nil
}

func (o *ChatOracle) render(ctx context.Context, req Request) ([]*schema.Message, error) {
	payload, err := json.MarshalIndent(req.Payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", req.Kind, err)
	}
	vars := prompts.Vars{
		Agent:   string(req.Agent),
		Role:    req.Role,
		Workers: describeWorkers(req.Workers),
		Schema:  strings.Join(req.SchemaKeys, "\n"),
		Payload: string(payload),
	}
	if len(req.Toolbox) > 0 {
		b, err := json.MarshalIndent(req.Toolbox, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s toolbox: %w", req.Agent, err)
		}
		vars.Toolbox = string(b)
	}
	return prompts.Render(ctx, string(req.Kind), vars)
}

// call runs the chat model under a chat-model run info so model observers
// see the request. Summaries are streamed and concatenated.
func (o *ChatOracle) call(ctx context.Context, req Request, msgs []*schema.Message) (*schema.Message, error) {
	ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
		Name:      string(req.Agent) + "." + string(req.Kind),
		Type:      o.provider,
		Component: components.ComponentOfChatModel,
	})
	if req.Kind != KindSummarize {
		return o.model.Generate(ctx, msgs)
	}
	sr, err := o.model.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	defer sr.Close()
	return schema.ConcatMessageStream(sr)
}

func (o *ChatOracle) recordUsage(req Request, reply *schema.Message) {
	if reply.ResponseMeta == nil || reply.ResponseMeta.Usage == nil {
		return
	}
	cost := model.PriceUsage(o.modelName, reply.ResponseMeta.Usage)
	o.metrics.ObserveUsage(o.modelName, cost.PromptTokens, cost.CompletionTokens, cost.TotalCost)
	logx.Debug().
		Str("kind", string(req.Kind)).
		Str("agent", string(req.Agent)).
		Str("model", o.modelName).
		Int("prompt_tokens", cost.PromptTokens).
		Int("completion_tokens", cost.CompletionTokens).
		Int("total_tokens", cost.TotalTokens).
		Float64("total_cost_usd", cost.TotalCost).
		Msg("LLM usage")
}

func describeWorkers(ws []model.WorkerState) string {
	if len(ws) == 0 {
		return ""
	}
	var b strings.Builder
	for _, w := range ws {
		fmt.Fprintf(&b, "- %s: %s\n", w.Agent, strings.TrimSpace(w.Role))
		names := make([]string, 0, len(w.Toolbox))
		for name := range w.Toolbox {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "    * %s: %s\n", name, w.Toolbox[name].Doc)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
