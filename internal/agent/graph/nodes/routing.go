package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/agent/oracle"
)

// Supervisor routes between the retrieval and update workers. Each worker is
// offered at most once per turn.
func (n *Nodes) Supervisor(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	workers := state.AvailableWorkers
	if state.LastWorker == model.NodeQueryParser {
		workers = model.PrimaryWorkers()
	}
	if len(workers) == 0 {
		return model.Command{
			Goto:   model.NodeResponder,
			Append: say(model.NodeSupervisor, msgWorkersExhausted),
		}.WithWorkers([]model.WorkerState{}), nil
	}

	next, justification, err := n.route(ctx, oracle.KindSupervise, model.NodeSupervisor, state, workers)
	if err != nil {
		return model.Command{}, fail(model.NodeSupervisor, MsgSupervisorFailed, err)
	}

	msgs := say(model.NodeSupervisor, justification)
	target := next
	switch next {
	case model.NodeMultiSampleInfoRetriever:
		// multi-sample lookups need the relevant schema keys first
		target = model.NodeSchemaRetriever
	case model.NodeResponder:
		if prev := state.LastContent(); prev != "" {
			msgs = append(msgs, model.AgentMessage(model.NodeSupervisor, prev))
		}
	}
	return model.Command{Goto: target, Append: msgs}.WithWorkers(model.RemoveWorker(workers, next)), nil
}

// Responder picks the post-processing step for the gathered results.
func (n *Nodes) Responder(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	workers := state.AvailableWorkers
	if state.LastWorker == model.NodeSupervisor || len(workers) == 0 {
		workers = model.PostProcessingWorkers()
	}

	next, justification, err := n.route(ctx, oracle.KindRespond, model.NodeResponder, state, workers)
	if err != nil {
		return model.Command{}, fail(model.NodeResponder, fmt.Sprintf("%s Error: %v", MsgTryAgainLater, err), err)
	}

	content := justification + "\n" + state.LastContent()
	return model.Command{
		Goto:   next,
		Append: []*schema.Message{model.AgentMessage(model.NodeResponder, content)},
	}.WithWorkers(model.RemoveWorker(workers, next)), nil
}

// route asks the oracle to pick one of workers.
func (n *Nodes) route(ctx context.Context, kind oracle.Kind, agent model.NodeID, state *model.ConversationState, workers []model.WorkerState) (model.NodeID, string, error) {
	req := n.request(kind, agent, state, latestQuery(state))
	req.Workers = workers
	req.Payload.AvailableWorkers = model.WorkerNames(workers)

	d, err := oracle.Decide[oracle.RoutingDecision](ctx, n.oracle, req)
	if err != nil {
		return "", "", err
	}
	next, ok := model.ParseNodeID(strings.TrimSpace(d.NextWorker.Agent))
	if !ok || !model.ContainsWorker(workers, next) {
		return "", "", fmt.Errorf("%w: %q not in %v", ErrInvalidWorker, d.NextWorker.Agent, model.WorkerNames(workers))
	}
	justification := strings.TrimSpace(d.Justification)
	if justification == "" {
		justification = fmt.Sprintf("Routing to %s.", next)
	}
	return next, justification, nil
}
