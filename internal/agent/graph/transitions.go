package graph

import (
	"errors"

	"github.com/nextseek-chat/server/internal/agent/graph/nodes"
	"github.com/nextseek-chat/server/internal/agent/model"
)

// ErrInvalidTransition is returned when a node names a successor outside its
// row of the transition table.
var ErrInvalidTransition = errors.New("invalid transition")

// transitions is the closed routing table. Every successor a node may return,
// including its fallback, appears in its row.
var transitions = map[model.NodeID][]model.NodeID{
	model.NodeConversationalist:        {model.NodeQueryParser, model.NodeValidator, model.NodeFinish},
	model.NodeQueryParser:              {model.NodeSupervisor, model.NodeValidator},
	model.NodeSupervisor:               {model.NodeSampleInfoRetriever, model.NodeSchemaRetriever, model.NodeArchivist, model.NodeResponder, model.NodeValidator},
	model.NodeSchemaRetriever:          {model.NodeMultiSampleInfoRetriever, model.NodeValidator},
	model.NodeSampleInfoRetriever:      {model.NodeSupervisor, model.NodeValidator},
	model.NodeMultiSampleInfoRetriever: {model.NodeSupervisor, model.NodeValidator},
	model.NodeArchivist:                {model.NodeSupervisor, model.NodeValidator},
	model.NodeResponder:                {model.NodeDataSummarizer, model.NodeResponseFormatter, model.NodeValidator},
	model.NodeDataSummarizer:           {model.NodeResponseFormatter},
	model.NodeResponseFormatter:        {model.NodeValidator},
	model.NodeValidator:                {model.NodeFinish},
}

// Successors returns the nodes from may route to.
func Successors(from model.NodeID) []model.NodeID {
	return append([]model.NodeID(nil), transitions[from]...)
}

// Allowed reports whether from may route to to.
func Allowed(from, to model.NodeID) bool {
	for _, n := range transitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Fallback is where node goes when it fails with err.
func Fallback(node model.NodeID, err error) model.NodeID {
	switch node {
	case model.NodeConversationalist:
		if errors.Is(err, nodes.ErrNoUserMessage) {
			return model.NodeFinish
		}
		return model.NodeValidator
	case model.NodeDataSummarizer:
		return model.NodeResponseFormatter
	case model.NodeValidator:
		return model.NodeFinish
	default:
		return model.NodeValidator
	}
}
