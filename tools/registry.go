// Tools module - tool invocation framework
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/pkg/llm"
)

// ErrRateLimited marks a tool failure caused by an upstream rate limit.
// Tools wrap it so the dispatch loop can surface the rate-limited text.
var ErrRateLimited = errors.New("rate limited")

// Tool defines the tool interface. Terminal tools produce a direct
// user-facing artifact (a transaction tray); after one runs, the dispatch
// loop skips the follow-up completion call.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Terminal() bool
	Execute(ctx context.Context, args map[string]interface{}) (content.Result, error)
}

// ErrToolNotFound is returned by Call for unregistered tool names.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// Registry holds registered tools. Registration happens at startup; lookups
// afterward are read-only, so there is no lock.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool, replacing any prior tool of the same name.
func (r *Registry) Register(t Tool) {
	if old, ok := r.byName[t.Name()]; ok {
		for i, existing := range r.tools {
			if existing == old {
				r.tools[i] = t
				break
			}
		}
	} else {
		r.tools = append(r.tools, t)
	}
	r.byName[t.Name()] = t
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	return r.tools
}

// Specs returns the tool schema list exposed to the completion provider.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// Call invokes a tool by name. The registry does not retry and does not
// recover panics; the dispatch loop owns both concerns.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) (content.Result, error) {
	t, ok := r.byName[name]
	if !ok {
		return content.Result{}, &ErrToolNotFound{Name: name}
	}
	return t.Execute(ctx, args)
}

// IsTerminal reports whether the named tool is registered as terminal.
func (r *Registry) IsTerminal(name string) bool {
	t, ok := r.byName[name]
	return ok && t.Terminal()
}

// GetString extracts a string argument, empty when missing or mistyped.
func GetString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat extracts a numeric argument, zero when missing or mistyped.
func GetFloat(args map[string]interface{}, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
