package model

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/workers.yaml
var workerCatalogYAML []byte

// ToolDoc documents a tool for the decision oracle.
type ToolDoc struct {
	Doc       string `json:"doc" yaml:"doc"`
	Signature string `json:"signature" yaml:"signature"`
}

// WorkerState is the static descriptor of a routable node.
type WorkerState struct {
	Agent   NodeID             `json:"agent" yaml:"agent"`
	Role    string             `json:"role" yaml:"role"`
	Toolbox map[string]ToolDoc `json:"toolbox,omitempty" yaml:"toolbox"`
}

type workerCatalog struct {
	Primary        []WorkerState `yaml:"primary"`
	PostProcessing []WorkerState `yaml:"post_processing"`
	Coordinators   []WorkerState `yaml:"coordinators"`
}

var catalog = mustLoadCatalog(workerCatalogYAML)

func mustLoadCatalog(b []byte) workerCatalog {
	var c workerCatalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		panic(fmt.Sprintf("worker catalog: %v", err))
	}
	all := append(append(append([]WorkerState{}, c.Primary...), c.PostProcessing...), c.Coordinators...)
	for _, w := range all {
		if !w.Agent.Valid() {
			panic(fmt.Sprintf("worker catalog: unknown agent %q", w.Agent))
		}
	}
	return c
}

// PrimaryWorkers returns a fresh copy of the retrieval/update catalog.
func PrimaryWorkers() []WorkerState {
	return CloneWorkers(catalog.Primary)
}

// PostProcessingWorkers returns a fresh copy of the summarizer/formatter catalog.
func PostProcessingWorkers() []WorkerState {
	return CloneWorkers(catalog.PostProcessing)
}

// Worker looks up the descriptor of any node that consults the oracle.
func Worker(agent NodeID) (WorkerState, bool) {
	for _, group := range [][]WorkerState{catalog.Primary, catalog.PostProcessing, catalog.Coordinators} {
		for _, w := range group {
			if w.Agent == agent {
				return w, true
			}
		}
	}
	return WorkerState{}, false
}

// CloneWorkers copies ws; toolboxes are shared since they are never written.
func CloneWorkers(ws []WorkerState) []WorkerState {
	if ws == nil {
		return nil
	}
	out := make([]WorkerState, len(ws))
	copy(out, ws)
	return out
}

// RemoveWorker returns ws without agent.
func RemoveWorker(ws []WorkerState, agent NodeID) []WorkerState {
	out := make([]WorkerState, 0, len(ws))
	for _, w := range ws {
		if w.Agent != agent {
			out = append(out, w)
		}
	}
	return out
}

// ContainsWorker reports whether agent is in ws.
func ContainsWorker(ws []WorkerState, agent NodeID) bool {
	for _, w := range ws {
		if w.Agent == agent {
			return true
		}
	}
	return false
}

// WorkerNames lists the agents of ws in order.
func WorkerNames(ws []WorkerState) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, string(w.Agent))
	}
	return out
}
