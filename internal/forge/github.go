package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
)

// rateLimitWarningThreshold triggers a log warning when the remaining
// rate limit drops below this value.
const rateLimitWarningThreshold = 100

// GitHub implements [ForgeProvider] for GitHub.com and GitHub Enterprise
// using the google/go-github SDK.
type GitHub struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHub creates a GitHub forge provider. The httpClient carries
// authentication; newGitHubProvider builds it from an oauth2 transport
// over httpkit.NewTransport. If baseURL is non-empty and not the default
// GitHub API URL, Enterprise URLs are configured.
func NewGitHub(httpClient *http.Client, baseURL string, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := github.NewClient(httpClient)

	if baseURL != "" && baseURL != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise URL: %w", err)
		}
	}

	return &GitHub{client: client, logger: logger}, nil
}

// Name returns "github".
func (g *GitHub) Name() string { return "github" }

// splitRepo splits "owner/repo" into its components.
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRate logs a warning when the API rate limit is getting low.
func (g *GitHub) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		g.logger.Warn("github rate limit low",
			"remaining", remaining,
			"limit", resp.Rate.Limit,
			"reset", resp.Rate.Reset.Format(time.RFC3339),
		)
	}
}

// ListReleases returns the most recent releases for owner/repo, newest
// first. limit <= 0 falls back to GitHub's default page size.
func (g *GitHub) ListReleases(ctx context.Context, repo string, limit int) ([]Release, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{}
	if limit > 0 {
		opts.PerPage = limit
	}

	ghReleases, resp, err := g.client.Repositories.ListReleases(ctx, owner, name, opts)
	g.checkRate(resp)
	if err != nil {
		return nil, fmt.Errorf("list releases for %s: %w", repo, err)
	}

	out := make([]Release, 0, len(ghReleases))
	for _, r := range ghReleases {
		rel := Release{
			TagName:    r.GetTagName(),
			Name:       r.GetName(),
			Body:       r.GetBody(),
			HTMLURL:    r.GetHTMLURL(),
			Prerelease: r.GetPrerelease(),
			Draft:      r.GetDraft(),
		}
		if r.PublishedAt != nil {
			rel.PublishedAt = r.PublishedAt.Time
		}
		out = append(out, rel)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
