package nodes

import (
	"context"
	"strings"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/agent/oracle"
)

// DataSummarizer condenses large tool results before formatting.
func (n *Nodes) DataSummarizer(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	d, err := oracle.Decide[oracle.SummaryDecision](ctx, n.oracle,
		n.request(oracle.KindSummarize, model.NodeDataSummarizer, state, latestQuery(state)))
	if err != nil {
		return model.Command{}, fail(model.NodeDataSummarizer, MsgSummaryFailed, err)
	}
	summary := strings.TrimSpace(d.Summary)
	if summary == "" {
		return model.Command{}, fail(model.NodeDataSummarizer, MsgSummaryFailed, oracle.ErrEmptyDecision)
	}
	return model.Command{
		Goto:   model.NodeResponseFormatter,
		Append: say(model.NodeDataSummarizer, summary),
	}, nil
}

// ResponseFormatter writes the user-facing answer. The oracle only sees the
// parsed query, the responder's hand-off and any summary, not the raw tool
// chatter or failure reports.
func (n *Nodes) ResponseFormatter(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	req := n.request(oracle.KindFormat, model.NodeResponseFormatter, state, latestQuery(state))
	msgs := model.WithoutDiagnostics(
		state.Messages.ByName(model.NodeQueryParser, model.NodeResponder, model.NodeDataSummarizer))
	req.Payload.AggregatedMessages = oracle.Aggregate(msgs)

	d, err := oracle.Decide[oracle.FormatDecision](ctx, n.oracle, req)
	if err != nil {
		return model.Command{}, fail(model.NodeResponseFormatter, MsgFormatFailed, err)
	}
	answer := strings.TrimSpace(d.FormattedResponse)
	if answer == "" {
		return model.Command{}, fail(model.NodeResponseFormatter, MsgFormatFailed, oracle.ErrEmptyDecision)
	}
	return model.Command{
		Goto:   model.NodeValidator,
		Append: say(model.NodeResponseFormatter, answer),
	}, nil
}

// Validator checks the previous answer against the question. It is the last
// node of every retrieval turn and always ends it.
func (n *Nodes) Validator(ctx context.Context, state *model.ConversationState) (model.Command, error) {
	prev := state.LastContent()
	req := n.request(oracle.KindValidate, model.NodeValidator, state, latestQuery(state))

	d, err := oracle.Decide[oracle.ValidationDecision](ctx, n.oracle, req)
	if err != nil {
		return model.Command{}, fail(model.NodeValidator, MsgValidationFailed, err)
	}

	var content string
	switch {
	case d.Valid && strings.TrimSpace(prev) != "":
		content = prev
	case d.ClarifyingQuestion != nil && strings.TrimSpace(*d.ClarifyingQuestion) != "":
		content = strings.TrimSpace(*d.ClarifyingQuestion)
	case d.Error != nil && strings.TrimSpace(*d.Error) != "":
		content = strings.TrimSpace(*d.Error)
	default:
		content = MsgNoReliableAnswer
	}
	return model.Command{
		Goto:   model.NodeFinish,
		Append: say(model.NodeValidator, content),
	}.WithWorkers(nil), nil
}
