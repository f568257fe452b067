package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

const researchUserAgent = "JobPilot-Bot/1.0 (+https://jobpilot.example.com/bot)"

// researchFetcher rate-limits and caches company page fetches. Robots.txt
// verdicts are cached separately so one page fetch costs at most two requests.
type researchFetcher struct {
	cache       *cache.Cache
	robotsCache *cache.Cache
	limiter     *rate.Limiter
	client      *http.Client
}

var fetcher = &researchFetcher{
	cache:       cache.New(1*time.Hour, 10*time.Minute),
	robotsCache: cache.New(1*time.Hour, 10*time.Minute),
	limiter:     rate.NewLimiter(rate.Limit(5.0), 10),
	client:      &http.Client{Timeout: 45 * time.Second},
}

// NewCompanyResearchTool creates the research_company tool. It fetches a
// company page and extracts the readable content, dropping navigation,
// ads and boilerplate.
func NewCompanyResearchTool() *Tool {
	return &Tool{
		Name:        "research_company",
		DisplayName: "Research Company",
		Description: "Fetch a company or job-posting page and extract clean readable content (about pages, job descriptions, culture pages). Respects robots.txt and rate limits.",
		Icon:        "Building",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "URL of the company page or job posting to read (HTTP/HTTPS)",
				},
				"max_length": map[string]interface{}{
					"type":        "number",
					"description": "Maximum content length in characters (default 20000)",
					"default":     20000,
				},
			},
			"required": []string{"url"},
		},
		Execute:  executeCompanyResearch,
		Category: "data_sources",
		Keywords: []string{"company", "research", "about", "culture", "job description", "posting", "scrape", "read"},
	}
}

func executeCompanyResearch(ctx context.Context, args map[string]interface{}) (string, error) {
	urlStr, _ := args["url"].(string)

	parsed, err := url.Parse(urlStr)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q: must be an absolute http(s) URL", urlStr)
	}

	maxLength := 20000
	if ml, ok := args["max_length"].(float64); ok && ml >= 1000 {
		maxLength = int(ml)
		if maxLength > 100000 {
			maxLength = 100000
		}
	}

	if cached, found := fetcher.cache.Get(urlStr); found {
		return cached.(string), nil
	}

	allowed, err := fetcher.robotsAllowed(ctx, parsed)
	if err == nil && !allowed {
		return "", fmt.Errorf("fetch of %s blocked by robots.txt", parsed.Host)
	}

	if err := fetcher.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", researchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := fetcher.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read page body: %w", err)
	}

	opts := trafilatura.Options{
		OriginalURL:     parsed,
		IncludeImages:   false,
		ExcludeComments: true,
	}
	extracted, err := trafilatura.Extract(bytes.NewReader(body), opts)
	if err != nil {
		return "", fmt.Errorf("content extraction failed: %w", err)
	}

	var sb strings.Builder
	if extracted.Metadata.Title != "" {
		sb.WriteString("# " + extracted.Metadata.Title + "\n\n")
	}
	sb.WriteString(extracted.ContentText)

	content := sb.String()
	if len(content) > maxLength {
		content = content[:maxLength] + TruncationMarker
	}

	fetcher.cache.Set(urlStr, content, cache.DefaultExpiration)
	return content, nil
}

// robotsAllowed checks robots.txt for the URL's host, caching the parsed
// group per host.
func (f *researchFetcher) robotsAllowed(ctx context.Context, u *url.URL) (bool, error) {
	key := u.Scheme + "://" + u.Host
	if cached, found := f.robotsCache.Get(key); found {
		group := cached.(*robotstxt.Group)
		return group.Test(u.Path), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", key+"/robots.txt", nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("User-Agent", researchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	// Missing or broken robots.txt means crawling is allowed
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return true, err
	}

	group := robots.FindGroup(researchUserAgent)
	f.robotsCache.Set(key, group, cache.DefaultExpiration)
	return group.Test(u.Path), nil
}
