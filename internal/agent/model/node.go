package model

// NodeID names a node of the conversation graph. The set is closed: every
// value the runtime routes on is one of the constants below.
type NodeID string

const (
	NodeConversationalist        NodeID = "conversationalist"
	NodeQueryParser              NodeID = "query_parser"
	NodeSchemaRetriever          NodeID = "schema_retriever"
	NodeSampleInfoRetriever      NodeID = "sample_info_retriever"
	NodeMultiSampleInfoRetriever NodeID = "multi_sample_info_retriever"
	NodeArchivist                NodeID = "archivist"
	NodeSupervisor               NodeID = "supervisor"
	NodeResponder                NodeID = "responder"
	NodeDataSummarizer           NodeID = "data_summarizer"
	NodeResponseFormatter        NodeID = "response_formatter"
	NodeValidator                NodeID = "validator"
	NodeFinish                   NodeID = "FINISH"
)

// AllNodes lists every node in a stable order.
var AllNodes = []NodeID{
	NodeConversationalist,
	NodeQueryParser,
	NodeSchemaRetriever,
	NodeSampleInfoRetriever,
	NodeMultiSampleInfoRetriever,
	NodeArchivist,
	NodeSupervisor,
	NodeResponder,
	NodeDataSummarizer,
	NodeResponseFormatter,
	NodeValidator,
	NodeFinish,
}

func (n NodeID) String() string {
	return string(n)
}

// Valid reports whether n is one of the declared nodes.
func (n NodeID) Valid() bool {
	for _, id := range AllNodes {
		if id == n {
			return true
		}
	}
	return false
}

// ParseNodeID converts an oracle-provided name into a NodeID.
func ParseNodeID(s string) (NodeID, bool) {
	id := NodeID(s)
	return id, id.Valid()
}
