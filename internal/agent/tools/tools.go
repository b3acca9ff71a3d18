package tools

import (
	"errors"
	"fmt"

	"github.com/nextseek-chat/server/internal/agent/model"
)

// ToolID names a deterministic data-access tool. Each worker owns a fixed set.
type ToolID string

const (
	RetrieveSampleInfo     ToolID = "retrieve_sample_info"
	GetSampleName          ToolID = "get_sample_name"
	FetchProtocol          ToolID = "fetch_protocol"
	FetchChildren          ToolID = "fetch_children"
	FetchAllDescendants    ToolID = "fetch_all_descendants"
	FetchAllMetadata       ToolID = "fetch_all_metadata"
	AddLinks               ToolID = "add_links"
	GetMetadataByUIDs      ToolID = "get_metadata_by_uids"
	GetUIDsByTermsAndField ToolID = "get_uids_by_terms_and_field"
	UpdateMetadataPipeline ToolID = "update_metadata_pipeline"
	GetSTAttributes        ToolID = "get_st_attributes"
)

// ErrToolNotAvailable is returned when a worker is asked to run a tool
// outside its toolbox.
var ErrToolNotAvailable = errors.New("tool not available")

// ErrWrongResource is returned when a tool result does not belong in the
// slot declared for that tool.
var ErrWrongResource = errors.New("tool result in wrong resource slot")

var toolboxes = map[model.NodeID][]ToolID{
	model.NodeSampleInfoRetriever: {
		RetrieveSampleInfo, GetSampleName, FetchProtocol, FetchChildren,
		FetchAllDescendants, FetchAllMetadata, AddLinks,
	},
	model.NodeMultiSampleInfoRetriever: {GetMetadataByUIDs, GetUIDsByTermsAndField},
	model.NodeArchivist:                {UpdateMetadataPipeline, GetSTAttributes},
}

// resourceKeys maps each tool to the resource slot its result lands in.
var resourceKeys = map[ToolID]model.ResourceKey{
	RetrieveSampleInfo:     model.KeySampleMetadata,
	GetSampleName:          model.KeySampleMetadata,
	FetchProtocol:          model.KeyProtocolURL,
	FetchChildren:          model.KeyUIDs,
	FetchAllDescendants:    model.KeyUIDs,
	FetchAllMetadata:       model.KeySampleMetadata,
	AddLinks:               model.KeySampleURL,
	GetMetadataByUIDs:      model.KeySampleMetadata,
	GetUIDsByTermsAndField: model.KeyUIDs,
	UpdateMetadataPipeline: model.KeyUpdateInfo,
	GetSTAttributes:        model.KeySTAttributes,
}

func (t ToolID) String() string {
	return string(t)
}

// ResourceKey is the slot a successful call of t writes.
func (t ToolID) ResourceKey() model.ResourceKey {
	return resourceKeys[t]
}

// checkSlot rejects res unless it lands in the slot declared for tool.
func checkSlot(tool ToolID, res model.Resource) error {
	if want := tool.ResourceKey(); res.Key() != want {
		return fmt.Errorf("%w: %s returned %s, want %s", ErrWrongResource, tool, res.Key(), want)
	}
	return nil
}

// Toolbox lists the tools agent may call, in declaration order.
func Toolbox(agent model.NodeID) []ToolID {
	return append([]ToolID(nil), toolboxes[agent]...)
}

// Resolve maps an oracle-chosen name onto agent's toolbox.
func Resolve(agent model.NodeID, name string) (ToolID, error) {
	for _, t := range toolboxes[agent] {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q for %s", ErrToolNotAvailable, name, agent)
}
