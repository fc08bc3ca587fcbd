// Package fetch downloads source articles and reduces them to plain-text
// excerpts that can be quoted back to the context agents.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/helpers"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxChars = 4000
	maxBodyBytes    = 4 << 20
	userAgent       = "newsdesk/1.0 (+https://github.com/mohammad-safakhou/newsdesk)"
)

// ErrNotHTML is returned for responses that carry no HTML document.
var ErrNotHTML = errors.New("response is not html")

// Fetcher implements the article excerpt lookup used during story enrichment.
type Fetcher struct {
	client   *http.Client
	maxChars int
}

// New builds a Fetcher from cfg. A nil client uses a dedicated http.Client
// bounded by cfg.Timeout.
func New(cfg config.FetchConfig, client *http.Client) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Fetcher{client: client, maxChars: maxChars}
}

// Excerpt returns the readable text of the page at link, cut to maxChars.
func (f *Fetcher) Excerpt(ctx context.Context, link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", link)
	}
	body, err := f.get(ctx, u.String())
	if err != nil {
		return "", err
	}

	text := extractReadable(body, u)
	if text == "" {
		text, err = extractParagraphs(body)
		if err != nil {
			return "", err
		}
	}
	text = helpers.CollapseWhitespace(helpers.PlainText(text))
	if text == "" {
		return "", fmt.Errorf("no readable text at %s", u.Host)
	}
	return helpers.Truncate(text, f.maxChars), nil
}

func (f *Fetcher) get(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "el,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", link, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("fetch %s: status %s", link, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, ErrNotHTML
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func extractReadable(body []byte, u *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// extractParagraphs is the fallback for pages readability cannot score,
// typically short wire items or live blogs.
func extractParagraphs(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	doc.Find("script, style, nav, header, footer, aside, form").Remove()

	sel := doc.Find("article p")
	if sel.Length() == 0 {
		sel = doc.Find("main p")
	}
	if sel.Length() == 0 {
		sel = doc.Find("p")
	}
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n"), nil
}
