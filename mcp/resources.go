package mcp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"mcpwire/jsonrpc"
)

// ResourceHandler reads a resource. vars holds the values bound by a template match
// and is empty for exact resources.
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) ([]ResourceContents, error)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type registeredResource struct {
	resource Resource
	handler  ResourceHandler
}

type registeredTemplate struct {
	template ResourceTemplate
	pattern  *regexp.Regexp
	handler  ResourceHandler
}

type ResourceRegistry struct {
	mu        sync.RWMutex
	order     []string
	resources map[string]registeredResource
	templates []registeredTemplate
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{resources: make(map[string]registeredResource)}
}

func (r *ResourceRegistry) Register(resource Resource, handler ResourceHandler) error {
	if resource.URI == "" {
		return errors.New("resource uri is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[resource.URI]; !exists {
		r.order = append(r.order, resource.URI)
	}
	r.resources[resource.URI] = registeredResource{resource: resource, handler: handler}
	return nil
}

// RegisterTemplate adds a template. Templates are tried in registration order after
// exact URIs.
func (r *ResourceRegistry) RegisterTemplate(tmpl ResourceTemplate, handler ResourceHandler) error {
	pattern, err := compileTemplate(tmpl.URITemplate)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = append(r.templates, registeredTemplate{template: tmpl, pattern: pattern, handler: handler})
	return nil
}

func compileTemplate(uriTemplate string) (*regexp.Regexp, error) {
	if uriTemplate == "" {
		return nil, errors.New("uri template is required")
	}
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range placeholder.FindAllStringSubmatchIndex(uriTemplate, -1) {
		b.WriteString(regexp.QuoteMeta(uriTemplate[last:loc[0]]))
		fmt.Fprintf(&b, "(?P<%s>[^/]+)", uriTemplate[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(uriTemplate[last:]))
	b.WriteString("$")
	pattern, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid uri template %q: %w", uriTemplate, err)
	}
	return pattern, nil
}

func (r *ResourceRegistry) List() ListResourcesResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := ListResourcesResult{Resources: make([]Resource, 0, len(r.order))}
	for _, uri := range r.order {
		out.Resources = append(out.Resources, r.resources[uri].resource)
	}
	for _, t := range r.templates {
		out.ResourceTemplates = append(out.ResourceTemplates, t.template)
	}
	return out
}

func (r *ResourceRegistry) Read(ctx context.Context, uri string) (*ReadResourceResult, error) {
	handler, vars, ok := r.lookup(uri)
	if !ok {
		return nil, jsonrpc.ResourceNotFound(uri)
	}
	contents, err := handler(ctx, uri, vars)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, jsonrpc.NewErrorObject(jsonrpc.CodeServerError, "Resource read failed", map[string]any{
			"uri":   uri,
			"error": err.Error(),
		})
	}
	if contents == nil {
		contents = []ResourceContents{}
	}
	return &ReadResourceResult{Contents: contents}, nil
}

func (r *ResourceRegistry) lookup(uri string) (ResourceHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resources[uri]; ok {
		return res.handler, map[string]string{}, true
	}
	for _, t := range r.templates {
		match := t.pattern.FindStringSubmatch(uri)
		if match == nil {
			continue
		}
		vars := make(map[string]string, len(match)-1)
		for i, name := range t.pattern.SubexpNames() {
			if i > 0 && name != "" {
				vars[name] = match[i]
			}
		}
		return t.handler, vars, true
	}
	return nil, nil, false
}
