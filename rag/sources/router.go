package sources

import (
	"context"
	"strings"

	"github.com/mudler/xlog"
)

// Config carries credentials for remote sources.
type Config struct {
	GitPrivateKey string
}

// SourceRouter downloads the textual content behind url: a git repository,
// a sitemap or a single web page.
func SourceRouter(ctx context.Context, url string, config *Config) (string, error) {
	xlog.Info("Downloading content from", "url", url)
	switch {
	case strings.HasSuffix(url, ".git") || strings.HasPrefix(url, "git@"):
		key := ""
		if config != nil {
			key = config.GitPrivateKey
		}
		return GetGitRepositoryContent(ctx, url, key)
	case strings.HasSuffix(url, "sitemap.xml"):
		content, err := GetWebSitemapContent(ctx, url)
		if err != nil {
			return "", err
		}
		xlog.Info("Downloaded all content from sitemap", "url", url, "pages", len(content))
		return strings.Join(content, "\n"), nil
	}

	return GetWebPage(ctx, url)
}
