package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelkit/modelkit/pkg/events"
)

// ErrToolNotFound reports a lookup miss. Agent loops convert this into
// a synthetic tool-result message rather than aborting.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found in registry", e.Name)
}

// Registry holds tools by unique name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool; names are unique within a registry.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Schemas returns every tool's OpenAI-shape schema, in order.
func (r *Registry) Schemas() []map[string]any {
	list := r.List()
	out := make([]map[string]any, len(list))
	for i, t := range list {
		out[i] = t.Schema()
	}
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute resolves and invokes a tool by name, emitting the tool
// lifecycle events around the call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", &ErrToolNotFound{Name: name}
	}

	events.Emit(events.BeforeAIToolExec, events.Payload{
		"tool": name,
		"args": args,
	})

	start := time.Now()
	result, err := tool.Invoke(ctx, args)

	payload := events.Payload{
		"tool":     name,
		"duration": time.Since(start),
	}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = result
	}
	events.Emit(events.AfterAIToolExec, payload)

	return result, err
}
