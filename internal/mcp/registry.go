package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/llm"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// registeredTool binds a namespaced name to its origin server and
// original MCP tool name.
type registeredTool struct {
	client      *Client
	mcpName     string
	description string
	inputSchema map[string]any
}

// Registry aggregates tools from multiple MCP servers under
// collision-free names ("mcp_{server}_{tool}") and routes calls back
// to the owning client. It is the conversation loop's single tool
// backend.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients []*Client
	tools   map[string]registeredTool
	order   []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "mcp_registry"),
		tools:  make(map[string]registeredTool),
	}
}

// AddServer initializes the client, discovers its tools, and
// registers the ones the include/exclude filters allow:
//   - non-empty include registers only listed MCP tool names;
//   - otherwise, exclude skips listed names;
//   - both empty registers everything.
//
// Returns the number of tools registered.
func (r *Registry) AddServer(ctx context.Context, client *Client, include, exclude []string) (int, error) {
	if err := client.Initialize(ctx); err != nil {
		return 0, fmt.Errorf("initialize %s: %w", client.Name(), err)
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = append(r.clients, client)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(client.Name(), td.Name)
		if _, exists := r.tools[name]; exists {
			r.logger.Warn("duplicate tool name, keeping first", "tool", name)
			continue
		}
		r.tools[name] = registeredTool{
			client:      client,
			mcpName:     td.Name,
			description: td.Description,
			inputSchema: td.InputSchema,
		}
		r.order = append(r.order, name)
		count++

		r.logger.Debug("registered MCP tool",
			"mcp_name", td.Name,
			"tool", name,
			"server", client.Name(),
		)
	}

	return count, nil
}

// Specs returns tool specifications for the LLM request, in
// registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: t.description,
			InputSchema: t.inputSchema,
		})
	}
	return specs
}

// CallTool routes a namespaced tool call to its MCP server and
// returns the raw content parts.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) ([]ContentBlock, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.client.CallTool(ctx, t.mcpName, args)
}

// Close shuts down every connected client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = nil
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("error closing MCP client", "server", c.Name(), "error", err)
		}
	}
}

// ToolName builds the namespaced registry name for an MCP tool. Both
// components are sanitized to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
