package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/httpkit"
)

// Model describes one entry from the models endpoint.
type Model struct {
	ID            string   `json:"id"`
	ContextWindow int      `json:"contextWindow"`
	Pricing       *Pricing `json:"pricing,omitempty"`
}

// providerModels is the per-provider payload of the models endpoint.
type providerModels struct {
	Type   string  `json:"type"`
	Models []Model `json:"models"`
}

// Table maps "provider:model-id" to its catalog entry. Read-only once
// built; refreshes swap in a whole new table.
type Table map[string]Model

// Catalog fetches and caches the model table. Safe for concurrent use.
type Catalog struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	table Table
}

// New creates a catalog client for the given models endpoint URL.
func New(url string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		url:        url,
		logger:     logger.With("component", "catalog"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		table:      Table{},
	}
}

// Refresh fetches the models endpoint and replaces the cached table.
func (c *Catalog) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models endpoint returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var payload map[string]providerModels
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode models: %w", err)
	}

	table := make(Table)
	for provider, pm := range payload {
		for _, m := range pm.Models {
			table[provider+":"+m.ID] = m
		}
	}

	c.mu.Lock()
	c.table = table
	c.mu.Unlock()

	c.logger.Info("model catalog refreshed", "models", len(table), "providers", len(payload))
	return nil
}

// Table returns the current model table.
func (c *Catalog) Table() Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// ContextWindow returns the context window for a model, or 0 if unknown.
func (t Table) ContextWindow(model string) int {
	if m, ok := t[model]; ok {
		return m.ContextWindow
	}
	return 0
}
