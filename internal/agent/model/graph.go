package model

// AppState stores per-invocation routing state for the Eino Graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside compose.ProcessState or branch
//     conditions that call it; Eino serializes access within those calls.
//   - The conversation itself is not stored here; it flows through the graph
//     as the node input/output value.
type AppState struct {
	// Next is the node chosen by the most recently executed node.
	Next NodeID
	// Trail records every visited node in order.
	Trail []NodeID
	// Failures counts nodes that ended on their fallback edge.
	Failures int
}
