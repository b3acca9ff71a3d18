package tools

import (
	"fmt"
	"strings"

	"github.com/nextseek-chat/server/internal/agent/model"
)

type UIDArgs struct {
	UID string `json:"uid"`
}

type DescendantArgs struct {
	UID    string   `json:"uid"`
	Filter []string `json:"filter"`
}

type UIDListArgs struct {
	UID []string `json:"uid"`
}

type TermArgs struct {
	KeyString []string `json:"key_string"`
	Terms     []string `json:"terms"`
}

type SampleTypeArgs struct {
	SampleType []string `json:"sample_type"`
}

func decodeArgs(tool ToolID, raw map[string]any, out any) error {
	if err := model.DecodeLoose(raw, out); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool, err)
	}
	return nil
}

func requireUID(tool ToolID, uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", fmt.Errorf("invalid arguments for %s: uid is required", tool)
	}
	return uid, nil
}
