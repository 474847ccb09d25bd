package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// DataPusher lets a tool emit structured, non-spoken frames while it runs.
type DataPusher interface {
	Data(payload any) error
}

type pusherKey struct{}

type noopPusher struct{}

func (noopPusher) Data(any) error { return nil }

func withPusher(ctx context.Context, p DataPusher) context.Context {
	return context.WithValue(ctx, pusherKey{}, p)
}

func pusherFrom(ctx context.Context) DataPusher {
	if p, ok := ctx.Value(pusherKey{}).(DataPusher); ok && p != nil {
		return p
	}
	return noopPusher{}
}

// ToolFunc is a typed tool body. Arguments are decoded from the model's JSON
// into T and the result is encoded back from D.
type ToolFunc[T, D any] func(ctx context.Context, push DataPusher, input T) (D, error)

// Registry holds the tools offered to the model.
type Registry struct {
	tools map[string]tool.InvokableTool
	order []string
}

// NewRegistry 创建空的工具表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool.InvokableTool)}
}

// Register infers the tool schema from T and adds it under name.
func Register[T, D any](r *Registry, name, description string, fn ToolFunc[T, D]) error {
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	t, err := utils.InferTool[T, D](name, description, func(ctx context.Context, input T) (D, error) {
		return fn(ctx, pusherFrom(ctx), input)
	})
	if err != nil {
		return fmt.Errorf("infer tool %q: %w", name, err)
	}

	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Infos returns the tool descriptions in registration order.
func (r *Registry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	if r == nil {
		return nil, nil
	}
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		info, err := r.tools[name].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe tool %q: %w", name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Run invokes the named tool with JSON arguments.
func (r *Registry) Run(ctx context.Context, name, arguments string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if arguments == "" {
		arguments = "{}"
	}
	out, err := t.InvokableRun(ctx, arguments)
	if err != nil {
		return "", fmt.Errorf("run tool %q: %w", name, err)
	}
	return out, nil
}
