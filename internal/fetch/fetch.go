// Package fetch retrieves subscription bodies over HTTP and splits them
// into candidate proxy URI lines.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"proxycache/internal/errkind"
	"proxycache/internal/parser"
)

// Fetcher retrieves and splits subscription sources. It is safe for
// concurrent use.
type Fetcher struct {
	client *resty.Client
}

// New builds a Fetcher with a short timeout and a single retry on
// transient failures (5xx, connection reset, timeout), grounded on the
// teacher's resty client configuration.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 || timeout > 15*time.Second {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Fetcher{client: client}
}

// SourceResult is the per-source outcome of a FetchAll call.
type SourceResult struct {
	URL   string
	Lines []string
	Err   error
}

// Fetch retrieves one source and returns its candidate URI lines. The body
// is base64-decoded first if, once whitespace-stripped, it decodes cleanly;
// otherwise it is treated as plain text. Lines are split on CR, LF, or
// CRLF; empty lines and lines without a recognized scheme are dropped
// silently.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]string, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errkind.New(errkind.FetchSource, fmt.Errorf("%s: %w", url, err))
	}
	if resp.StatusCode() >= 400 {
		return nil, errkind.New(errkind.FetchSource, fmt.Errorf("%s: status %d", url, resp.StatusCode()))
	}

	body := resp.String()
	if decoded, ok := tryBase64(body); ok {
		body = decoded
	}

	return splitLines(body), nil
}

// FetchAll fetches every source concurrently and returns one SourceResult
// per input URL, in input order. A failing source never prevents
// other sources from being reported.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []SourceResult {
	results := make([]SourceResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			lines, err := f.Fetch(ctx, u)
			results[i] = SourceResult{URL: u, Lines: lines, Err: err}
		}(i, u)
	}
	wg.Wait()
	return results
}

func tryBase64(body string) (string, bool) {
	stripped := strings.Join(strings.Fields(body), "")
	if stripped == "" {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(stripped)
		if err != nil {
			return "", false
		}
	}
	return string(decoded), true
}

func splitLines(body string) []string {
	replaced := strings.ReplaceAll(body, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")

	var out []string
	for _, line := range strings.Split(replaced, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !parser.LooksLikeProxyURI(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}
