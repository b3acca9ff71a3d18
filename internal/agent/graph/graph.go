package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"

	"github.com/nextseek-chat/server/internal/agent/graph/nodes"
	"github.com/nextseek-chat/server/internal/agent/graph/observers"
	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metrics"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

const defaultMaxRunSteps = 64

// Turn outcomes reported to metrics.
const (
	TurnFinished = "finished"
	TurnTimeout  = "timeout"
	TurnError    = "error"
)

// Config holds everything needed to compose the conversation graph.
type Config struct {
	// Funcs maps every worker node to its implementation.
	Funcs       map[model.NodeID]nodes.Func
	Metrics     metrics.Recorder
	MaxRunSteps int
	// TurnTimeout bounds one Run; zero disables it.
	TurnTimeout time.Duration
	Now         func() time.Time
}

// GraphBuilder handles the construction of the conversation graph.
type GraphBuilder struct {
	config Config
	graph  *compose.Graph[*model.ConversationState, *model.ConversationState]
}

// Runner executes one conversation turn on the compiled graph.
type Runner struct {
	runnable compose.Runnable[*model.ConversationState, *model.ConversationState]
	metrics  metrics.Recorder
	timeout  time.Duration
}

// Build validates cfg, wires every node and compiles the graph.
func Build(ctx context.Context, cfg Config) (*Runner, error) {
	for _, id := range model.AllNodes {
		if id == model.NodeFinish {
			continue
		}
		if cfg.Funcs[id] == nil {
			return nil, fmt.Errorf("graph config: no implementation for node %s", id)
		}
	}
	cfg.Metrics = metrics.OrNop(cfg.Metrics)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRunSteps <= 0 {
		cfg.MaxRunSteps = defaultMaxRunSteps
	}

	b := &GraphBuilder{
		config: cfg,
		graph: compose.NewGraph[*model.ConversationState, *model.ConversationState](
			compose.WithGenLocalState(func(ctx context.Context) *model.AppState {
				return &model.AppState{}
			}),
		),
	}
	if err := b.addNodes(); err != nil {
		return nil, err
	}
	if err := b.addEdges(); err != nil {
		return nil, err
	}
	runnable, err := b.compile(ctx)
	if err != nil {
		return nil, err
	}

	logx.Debug().Int("max_run_steps", cfg.MaxRunSteps).Msg("Conversation graph built successfully")
	return &Runner{runnable: runnable, metrics: cfg.Metrics, timeout: cfg.TurnTimeout}, nil
}

// addNodes adds one lambda per worker node plus the FINISH sink.
func (b *GraphBuilder) addNodes() error {
	for _, id := range model.AllNodes {
		var lambda *compose.Lambda
		if id == model.NodeFinish {
			lambda = compose.InvokableLambda(finish)
		} else {
			r := &nodeRunner{id: id, fn: b.config.Funcs[id], metrics: b.config.Metrics, now: b.config.Now}
			lambda = compose.InvokableLambda(r.invoke)
		}
		if err := b.graph.AddLambdaNode(string(id), lambda, compose.WithNodeName(string(id))); err != nil {
			logx.Error().Err(err).Str("node", string(id)).Msg("Error adding node")
			return fmt.Errorf("error adding node %s: %w", id, err)
		}
	}
	return nil
}

// addEdges wires START, END and one edge or branch per transition table row.
func (b *GraphBuilder) addEdges() error {
	if err := b.graph.AddEdge(compose.START, string(model.NodeConversationalist)); err != nil {
		return fmt.Errorf("error adding start edge: %w", err)
	}
	if err := b.graph.AddEdge(string(model.NodeFinish), compose.END); err != nil {
		return fmt.Errorf("error adding end edge: %w", err)
	}

	for _, id := range model.AllNodes {
		succ := transitions[id]
		switch len(succ) {
		case 0:
			continue
		case 1:
			if err := b.graph.AddEdge(string(id), string(succ[0])); err != nil {
				logx.Error().Err(err).Str("node", string(id)).Msg("Error adding edge")
				return fmt.Errorf("error adding edge from %s: %w", id, err)
			}
		default:
			ends := make(map[string]bool, len(succ))
			for _, n := range succ {
				ends[string(n)] = true
			}
			if err := b.graph.AddBranch(string(id), compose.NewGraphBranch(routeCondition, ends)); err != nil {
				logx.Error().Err(err).Str("node", string(id)).Msg("Error adding branch")
				return fmt.Errorf("error adding branch from %s: %w", id, err)
			}
		}
	}
	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*model.ConversationState, *model.ConversationState], error) {
	runnable, err := b.graph.Compile(ctx,
		compose.WithGraphName("sample_retriever"),
		compose.WithMaxRunSteps(b.config.MaxRunSteps),
	)
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	return runnable, nil
}

// Run drives state from the conversationalist to FINISH and returns the
// final state.
func (r *Runner) Run(ctx context.Context, state *model.ConversationState) (*model.ConversationState, error) {
	if state == nil {
		return nil, errors.New("nil conversation state")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.runnable.Invoke(ctx, state, compose.WithCallbacks(observers.NewAllCallbacks()))

	steps := 0
	if out != nil {
		steps = out.Version - state.Version
	}
	outcome := TurnFinished
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		outcome = TurnTimeout
	case err != nil:
		outcome = TurnError
	}
	r.metrics.ObserveTurn(outcome, steps, time.Since(start))

	if err != nil {
		logx.Error().Err(err).Str("session_id", state.SessionID).Str("outcome", outcome).Msg("Conversation turn failed")
		return nil, fmt.Errorf("run conversation graph: %w", err)
	}
	if out == nil {
		return nil, errors.New("conversation graph returned no state")
	}
	return out, nil
}

// FinalAnswer is the content FINISH hands back: the last message.
func FinalAnswer(state *model.ConversationState) string {
	if state == nil {
		return ""
	}
	return state.LastContent()
}
