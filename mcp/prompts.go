package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"mcpwire/jsonrpc"
)

type PromptHandler func(ctx context.Context, args map[string]string) (*GetPromptResult, error)

type registeredPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

type PromptRegistry struct {
	mu      sync.RWMutex
	order   []string
	prompts map[string]registeredPrompt
}

func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]registeredPrompt)}
}

func (r *PromptRegistry) Register(prompt Prompt, handler PromptHandler) error {
	if prompt.Name == "" {
		return errors.New("prompt name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[prompt.Name]; !exists {
		r.order = append(r.order, prompt.Name)
	}
	r.prompts[prompt.Name] = registeredPrompt{prompt: prompt, handler: handler}
	return nil
}

func (r *PromptRegistry) List() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Prompt, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.prompts[name].prompt)
	}
	return out
}

func (r *PromptRegistry) Execute(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	r.mu.RLock()
	entry, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.PromptNotFound(name)
	}

	var missing []string
	for _, arg := range entry.prompt.Arguments {
		if _, ok := args[arg.Name]; arg.Required && !ok {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		return nil, jsonrpc.InvalidParams(fmt.Sprintf("prompt %s: missing arguments: %s", name, strings.Join(missing, ", ")))
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, jsonrpc.PromptExecutionFailed(name, err)
	}
	if result == nil {
		result = &GetPromptResult{Messages: []PromptMessage{}}
	}
	return result, nil
}
