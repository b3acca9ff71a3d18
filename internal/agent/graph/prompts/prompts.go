package prompts

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/*.txt
var templates embed.FS

// Vars are the values a decision prompt is rendered with.
type Vars struct {
	Agent   string
	Role    string
	Toolbox string
	Workers string
	Schema  string
	Payload string
}

func (v Vars) toMap() map[string]any {
	return map[string]any{
		"agent":   v.Agent,
		"role":    v.Role,
		"toolbox": v.Toolbox,
		"workers": v.Workers,
		"schema":  v.Schema,
		"payload": v.Payload,
	}
}

// Has reports whether a template exists for task.
func Has(task string) bool {
	_, err := templates.ReadFile("template/" + task + ".txt")
	return err == nil
}

// Render builds the system and user messages for one decision task via the
// Eino prompt component, so prompt callbacks fire for every render.
func Render(ctx context.Context, task string, vars Vars) ([]*schema.Message, error) {
	system, err := templates.ReadFile("template/system.txt")
	if err != nil {
		return nil, fmt.Errorf("read system prompt: %w", err)
	}
	instructions, err := templates.ReadFile("template/" + task + ".txt")
	if err != nil {
		return nil, fmt.Errorf("unknown prompt %q: %w", task, err)
	}
	payload, err := templates.ReadFile("template/payload.txt")
	if err != nil {
		return nil, fmt.Errorf("read payload prompt: %w", err)
	}

	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(strings.TrimSpace(string(system))+"\n\n"+strings.TrimSpace(string(instructions))),
		schema.UserMessage(strings.TrimSpace(string(payload))),
	)
	msgs, err := tpl.Format(ctx, vars.toMap())
	if err != nil {
		return nil, fmt.Errorf("%s prompt render: %w", task, err)
	}
	if len(msgs) != 2 || msgs[0] == nil || msgs[1] == nil {
		return nil, fmt.Errorf("%s prompt render: empty result", task)
	}
	return msgs, nil
}
