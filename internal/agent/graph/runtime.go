package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/nextseek-chat/server/internal/agent/graph/nodes"
	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metrics"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
)

// nodeRunner adapts a nodes.Func to a graph lambda. It is the only place
// where node failures are turned into state: a diagnostic message is
// appended and the node's fallback is taken.
type nodeRunner struct {
	id      model.NodeID
	fn      nodes.Func
	metrics metrics.Recorder
	now     func() time.Time
}

func (r *nodeRunner) invoke(ctx context.Context, in *model.ConversationState) (*model.ConversationState, error) {
	if in == nil {
		return nil, fmt.Errorf("%s: nil conversation state", r.id)
	}
	start := time.Now()

	cmd, err := r.call(ctx, in)
	if err == nil && !Allowed(r.id, cmd.Goto) {
		err = &nodes.Failure{
			Node:    r.id,
			Message: nodes.MsgTryAgainLater,
			Err:     fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, r.id, cmd.Goto),
		}
	}

	outcome := outcomeOK
	if err != nil {
		outcome = outcomeFallback
		cmd = r.failureCommand(in, err)
	}
	if cmd.Goto == model.NodeFinish {
		cmd = cmd.WithWorkers(nil)
	}

	out := in.Apply(r.id, cmd, r.now())
	if perr := compose.ProcessState(ctx, func(_ context.Context, s *model.AppState) error {
		s.Next = cmd.Goto
		s.Trail = append(s.Trail, r.id)
		if outcome == outcomeFallback {
			s.Failures++
		}
		return nil
	}); perr != nil {
		return nil, fmt.Errorf("%s: routing state: %w", r.id, perr)
	}

	elapsed := time.Since(start)
	r.metrics.ObserveNode(string(r.id), string(cmd.Goto), outcome, elapsed)
	logx.Debug().
		Str("session_id", in.SessionID).
		Str("node", string(r.id)).
		Str("next", string(cmd.Goto)).
		Str("outcome", outcome).
		Int("version", out.Version).
		Dur("duration", elapsed).
		Msg("Node visited")
	return out, nil
}

// call runs the node, converting a panic into a failure.
func (r *nodeRunner) call(ctx context.Context, in *model.ConversationState) (cmd model.Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			logx.Error().
				Str("node", string(r.id)).
				Str("stack", string(debug.Stack())).
				Msgf("node panic recovered: %v", p)
			err = &nodes.Failure{Node: r.id, Message: nodes.MsgTryAgainLater, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.fn(ctx, in)
}

func (r *nodeRunner) failureCommand(in *model.ConversationState, err error) model.Command {
	message := nodes.MsgTryAgainLater
	var f *nodes.Failure
	if errors.As(err, &f) && f.Message != "" {
		message = f.Message
	}
	next := Fallback(r.id, err)
	logx.Warn().
		Err(err).
		Str("session_id", in.SessionID).
		Str("node", string(r.id)).
		Str("fallback", string(next)).
		Msg("Node failed")
	return model.Command{
		Goto:   next,
		Append: []*schema.Message{model.DiagnosticMessage(r.id, message)},
	}
}

// routeCondition reads the successor chosen by the node that just ran.
func routeCondition(ctx context.Context, _ *model.ConversationState) (string, error) {
	var next model.NodeID
	if err := compose.ProcessState(ctx, func(_ context.Context, s *model.AppState) error {
		next = s.Next
		return nil
	}); err != nil {
		return "", err
	}
	if next == "" {
		return "", fmt.Errorf("%w: no successor recorded", ErrInvalidTransition)
	}
	return string(next), nil
}

// finish is the sink node; it hands the final state to END unchanged.
func finish(_ context.Context, in *model.ConversationState) (*model.ConversationState, error) {
	return in, nil
}
