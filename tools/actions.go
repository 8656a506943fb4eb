// Quick actions tool - structured tappable options

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basemate/basemate/content"
	"github.com/google/uuid"
)

const quickActionsExpiry = 10 * time.Minute

// QuickActionsTool lets the model present a small set of tappable options
// instead of asking the user to type a choice.
type QuickActionsTool struct{}

func NewQuickActionsTool() *QuickActionsTool { return &QuickActionsTool{} }

func (t *QuickActionsTool) Name() string { return "show_quick_actions" }

func (t *QuickActionsTool) Description() string {
	return "Show the user a set of tappable option buttons (2-10 options). Use when asking the user to pick from a short list."
}

func (t *QuickActionsTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"description": StringProperty("Short prompt shown above the options"),
		"options": map[string]interface{}{
			"type":        "array",
			"description": "Option labels, between 1 and 10",
			"items":       StringProperty("Option label"),
		},
		"style": StringEnumProperty("Button style for all options", "primary", "secondary", "danger"),
	}, "description", "options")
}

func (t *QuickActionsTool) Terminal() bool { return false }

func (t *QuickActionsTool) Execute(ctx context.Context, args map[string]interface{}) (content.Result, error) {
	description := strings.TrimSpace(GetString(args, "description"))
	style := GetString(args, "style")
	if style == "" {
		style = "primary"
	}

	raw, _ := args["options"].([]interface{})
	if len(raw) == 0 {
		return content.Failure(fmt.Errorf("no options provided"),
			"I couldn't build the options list for that."), nil
	}

	qa := &content.QuickActions{
		ID:          "qa-" + uuid.NewString(),
		Description: description,
		ExpiresAt:   time.Now().Add(quickActionsExpiry),
	}
	for i, item := range raw {
		label, ok := item.(string)
		if !ok || strings.TrimSpace(label) == "" {
			continue
		}
		qa.Actions = append(qa.Actions, content.QuickAction{
			ID:    fmt.Sprintf("%s-%d", qa.ID, i),
			Label: strings.TrimSpace(label),
			Style: style,
		})
	}
	if len(qa.Actions) == 0 {
		return content.Failure(fmt.Errorf("no usable options"),
			"I couldn't build the options list for that."), nil
	}

	return content.NewQuickActions(description, qa), nil
}
