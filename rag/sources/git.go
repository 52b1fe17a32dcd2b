package sources

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GetGitRepositoryContent shallow-clones a repository and concatenates its
// text files, each introduced by a header line naming the file.
func GetGitRepositoryContent(ctx context.Context, url string, privateKey string) (string, error) {
	tempDir, err := os.MkdirTemp("", "git-repo-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tempDir)

	cloneOptions := &git.CloneOptions{
		URL:           url,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.HEAD,
	}

	if privateKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(privateKey)
		if err != nil {
			return "", fmt.Errorf("decoding git private key: %w", err)
		}
		auth, err := ssh.NewPublicKeys("git", keyBytes, "")
		if err != nil {
			return "", err
		}
		cloneOptions.Auth = auth
	}

	if _, err := git.PlainCloneContext(ctx, tempDir, false, cloneOptions); err != nil {
		return "", fmt.Errorf("cloning %s: %w", url, err)
	}

	var content strings.Builder
	err = filepath.Walk(tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if !info.IsDir() && IsTextFile(path) {
			fileContent, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			content.WriteString("\n--- File: " + strings.TrimPrefix(path, tempDir+"/") + " ---\n")
			content.Write(fileContent)
			content.WriteString("\n")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return content.String(), nil
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".html": true, ".css": true, ".json": true, ".yaml": true,
	".yml": true, ".xml": true, ".sh": true, ".bash": true, ".c": true,
	".cpp": true, ".h": true, ".hpp": true, ".java": true, ".rb": true,
	".php": true, ".rs": true, ".swift": true, ".kt": true, ".scala": true,
	".sql": true, ".proto": true, ".toml": true, ".ini": true, ".conf": true,
	".log": true, ".csv": true, ".tsv": true, ".rst": true, ".tex": true,
	".adoc": true, ".asciidoc": true, ".wiki": true,
}

// IsTextFile reports whether the file extension denotes a plain text format.
func IsTextFile(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}
