package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/concierge/internal/httpkit"
)

// DirectoryQuery is a search against one named directory list.
type DirectoryQuery struct {
	ListName string            `json:"list_name"`
	Query    string            `json:"query,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// DirectoryEntry is one ranked search hit.
type DirectoryEntry struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Summary string            `json:"summary,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Score   float64           `json:"score"`
}

// Directory searches tenant directory lists. Ranking and storage are
// the implementation's business.
type Directory interface {
	Search(ctx context.Context, q DirectoryQuery) ([]DirectoryEntry, error)
}

const defaultDirectoryLimit = 10

// RegisterDirectory adds the search_directory tool backed by dir.
func (r *Registry) RegisterDirectory(dir Directory) {
	r.Register(&Tool{
		Name:        "search_directory",
		Description: "Search a directory list (providers, locations, services) by free text, tag or structured field filters. Returns entries ranked by relevance.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_name": map[string]any{
					"type":        "string",
					"description": "Directory list to search, e.g. providers or locations",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text search terms",
				},
				"tag": map[string]any{
					"type":        "string",
					"description": "Optional: only return entries carrying this tag",
				},
				"filters": map[string]any{
					"type":                 "object",
					"description":          "Optional: exact field matches, e.g. {\"specialty\": \"Cardiology\"}",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries to return (default 10)",
				},
			},
			"required": []string{"list_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			q, err := parseDirectoryArgs(args)
			if err != nil {
				return nil, err
			}
			entries, err := dir.Search(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("search %s: %w", q.ListName, err)
			}
			return map[string]any{
				"list_name": q.ListName,
				"count":     len(entries),
				"entries":   entries,
			}, nil
		},
	})
}

func parseDirectoryArgs(args map[string]any) (DirectoryQuery, error) {
	q := DirectoryQuery{Limit: defaultDirectoryLimit}
	q.ListName, _ = args["list_name"].(string)
	if strings.TrimSpace(q.ListName) == "" {
		return q, fmt.Errorf("list_name is required")
	}
	q.Query, _ = args["query"].(string)
	q.Tag, _ = args["tag"].(string)

	if raw, ok := args["filters"].(map[string]any); ok && len(raw) > 0 {
		q.Filters = make(map[string]string, len(raw))
		for k, v := range raw {
			q.Filters[k] = fmt.Sprint(v)
		}
	}
	// JSON numbers decode as float64.
	if n, ok := args["limit"].(float64); ok && n > 0 {
		q.Limit = int(n)
	}
	if q.Query == "" && q.Tag == "" && len(q.Filters) == 0 {
		return q, fmt.Errorf("at least one of query, tag or filters is required")
	}
	return q, nil
}

// RemoteDirectory is a [Directory] served over HTTP. It POSTs the
// query as JSON to {baseURL}/search and expects {"entries": [...]}.
type RemoteDirectory struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteDirectory creates a client for the directory service.
func NewRemoteDirectory(baseURL, apiKey string, logger *slog.Logger) *RemoteDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteDirectory{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:     logger.With("component", "directory"),
	}
}

// Search implements [Directory].
func (d *RemoteDirectory) Search(ctx context.Context, q DirectoryQuery) ([]DirectoryEntry, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var out struct {
		Entries []DirectoryEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}

	d.logger.Debug("directory search",
		"list", q.ListName,
		"results", len(out.Entries),
		"elapsed", time.Since(start),
	)
	return out.Entries, nil
}
