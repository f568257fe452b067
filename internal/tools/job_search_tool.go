package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// searchCache holds recent job searches so repeated queries within a stream
// (or across quick retries) don't hammer the search backend.
var jobSearchCache = cache.New(15*time.Minute, 5*time.Minute)

type jobSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Company string `json:"company,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// NewJobSearchTool creates the search_jobs tool backed by a SearXNG instance.
func NewJobSearchTool(searxngURL string) *Tool {
	searxngURL = strings.TrimSuffix(searxngURL, "/")
	return &Tool{
		Name:        "search_jobs",
		DisplayName: "Search Jobs",
		Description: "Search job boards and the web for job postings matching keywords and an optional location. Returns a list of postings with title, company, URL and snippet.",
		Icon:        "Briefcase",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"keywords": map[string]interface{}{
					"type":        "string",
					"description": "Job title or skills to search for (e.g. 'software engineer', 'data analyst python')",
				},
				"location": map[string]interface{}{
					"type":        "string",
					"description": "City, state or country to scope the search (e.g. 'Austin', 'remote')",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of postings to return (default 5, max 20)",
					"default":     5,
				},
			},
			"required": []string{"keywords"},
		},
		Execute:  makeJobSearchExec(searxngURL),
		Category: "data_sources",
		Keywords: []string{"job", "jobs", "search", "hiring", "openings", "career", "position", "vacancy"},
	}
}

func makeJobSearchExec(searxngURL string) ExecuteFunc {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		keywords, _ := args["keywords"].(string)
		location, _ := args["location"].(string)

		limit := 5
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
			if limit > 20 {
				limit = 20
			}
		}

		query := keywords + " jobs"
		if location != "" {
			query += " in " + location
		}

		cacheKey := fmt.Sprintf("%s|%d", query, limit)
		if cached, found := jobSearchCache.Get(cacheKey); found {
			log.Printf("🔍 [JOB-SEARCH] Cache hit for %q", query)
			return cached.(string), nil
		}

		searchURL := fmt.Sprintf("%s/search?q=%s&format=json&categories=general",
			searxngURL, url.QueryEscape(query))

		req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("search backend unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return "", fmt.Errorf("search backend error (status %d): %s", resp.StatusCode, string(body))
		}

		var parsed struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Content string `json:"content"`
				Engine  string `json:"engine"`
			} `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", fmt.Errorf("failed to decode search response: %w", err)
		}

		results := make([]jobSearchResult, 0, limit)
		for _, r := range parsed.Results {
			if len(results) >= limit {
				break
			}
			results = append(results, jobSearchResult{
				Title:   r.Title,
				URL:     r.URL,
				Snippet: r.Content,
				Source:  r.Engine,
			})
		}

		out, err := json.Marshal(map[string]interface{}{
			"query":   query,
			"count":   len(results),
			"results": results,
		})
		if err != nil {
			return "", fmt.Errorf("failed to encode results: %w", err)
		}

		jobSearchCache.Set(cacheKey, string(out), cache.DefaultExpiration)
		log.Printf("🔍 [JOB-SEARCH] %d result(s) for %q", len(results), query)
		return string(out), nil
	}
}
