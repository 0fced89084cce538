// Package fetch retrieves page content for URL-sourced jobs and
// classifies submitted URLs by collection source.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/docforge/docforge/job"
)

// wikipediaRe matches article URLs on any language edition.
var wikipediaRe = regexp.MustCompile(`^https?://([a-z0-9-]+\.)?wikipedia\.org/wiki/.+`)

// Classify maps a submitted URL to its collection source. Returns an
// error for anything that is not an absolute http(s) URL.
func Classify(rawURL string) (job.Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case wikipediaRe.MatchString(rawURL):
		return job.SourceWikipedia, nil
	case host == "pubmed.ncbi.nlm.nih.gov":
		return job.SourcePubMed, nil
	default:
		return job.SourceURL, nil
	}
}

// Config configures the fetch client.
type Config struct {
	// Timeout bounds one fetch end to end.
	Timeout time.Duration `yaml:"timeout"`
	// MaxBytes caps the response body read.
	MaxBytes  int64  `yaml:"max_bytes"`
	UserAgent string `yaml:"user_agent"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "docforge/1.0 (+https://github.com/docforge/docforge)"
	}
}

// Client fetches page bytes over HTTP. Fetch failures are transient
// from the pipeline's point of view: the worker requeues and the
// attempt bound caps retries.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a fetch client.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch retrieves the URL body, capped at MaxBytes.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}
	return data, nil
}
