package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mudler/xlog"
	sitemap "github.com/oxffaa/gopher-parse-sitemap"
	"jaytaylor.com/html2text"
)

const maxPageBytes = 10 << 20

var httpClient = &http.Client{Timeout: 30 * time.Second}

// GetWebPage downloads a page and converts its HTML to plain text.
func GetWebPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return html2text.FromString(string(body), html2text.Options{PrettyTables: true})
}

// GetWebSitemapContent fetches every page listed in a sitemap. Pages that
// fail to download are skipped.
func GetWebSitemapContent(ctx context.Context, url string) (res []string, err error) {
	err = sitemap.ParseFromSite(url, func(e sitemap.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		xlog.Info("Sitemap page", "url", e.GetLocation())
		content, err := GetWebPage(ctx, e.GetLocation())
		if err == nil {
			res = append(res, content)
		} else {
			xlog.Warn("Skipping sitemap page", "url", e.GetLocation(), "error", err)
		}
		return nil
	})
	return
}
