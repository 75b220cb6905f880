// Package pkgtasks provides taskengine.Class plugins that poll
// external data sources for package-relevant events and feed a
// notification mail back through the dispatch engine as if it had
// arrived from the outside world: ghreleases.go watches upstream forge
// repositories for new releases, feedwatch.go watches arbitrary
// RSS/Atom feeds.
package pkgtasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/dispatch"
	"github.com/nugget/pts/internal/forge"
	"github.com/nugget/pts/internal/notify"
	"github.com/nugget/pts/internal/opstate"
	"github.com/nugget/pts/internal/taskengine"
)

// ghReleasesNamespace is the opstate namespace the watermark (last-seen
// release tag per watch) is stored under.
const ghReleasesNamespace = "pkgtasks.ghreleases"

// upstreamSender is the synthetic "From" address release-watch mail
// appears to come from; the dispatch engine treats it exactly like any
// other inbound message, it just never arrived over SMTP.
const upstreamSender = "upstream-watch"

// releaseWatch is a config.ReleaseWatch resolved to a concrete provider
// and fully-qualified "owner/repo" string, computed once at
// construction time so GHReleasesTask depends only on
// forge.ForgeProvider and is testable without a real forge.Registry.
type releaseWatch struct {
	Package  string
	Keyword  string
	Repo     string
	Provider forge.ForgeProvider
}

// GHReleasesTask polls every resolved watch for new releases and
// dispatches one notification per newly-seen release.
type GHReleasesTask struct {
	State    *opstate.Store
	Dispatch *dispatch.Engine
	FQDN     string
	Watches  []releaseWatch
	Logger   *slog.Logger
}

// NewGHReleasesClass resolves each configured watch against the forge
// registry and builds the "ghreleases" task class, closing over the
// resolved watches and collaborators. Registered once at startup
// alongside every other taskengine.Class; fired by the scheduler via a
// PayloadTaskRun targeting "ghreleases". Watches whose account cannot
// be resolved are logged and skipped rather than failing startup.
func NewGHReleasesClass(fr *forge.Registry, state *opstate.Store, eng *dispatch.Engine, fqdn string, watches []config.ReleaseWatch, logger *slog.Logger) taskengine.Class {
	if logger == nil {
		logger = slog.Default()
	}

	resolved := make([]releaseWatch, 0, len(watches))
	for _, w := range watches {
		provider, acct, err := fr.Account(w.Account)
		if err != nil {
			logger.Error("pkgtasks: ghreleases watch skipped, account not configured", "package", w.Package, "account", w.Account, "error", err)
			continue
		}
		owner, repo := fr.ResolveRepo(acct, w.Repo)
		resolved = append(resolved, releaseWatch{
			Package:  w.Package,
			Keyword:  w.Keyword,
			Repo:     owner + "/" + repo,
			Provider: provider,
		})
	}

	return taskengine.Class{
		Name:           "ghreleases",
		ProducesEvents: []string{"new_upstream_release"},
		New: func() taskengine.Task {
			return &GHReleasesTask{
				State:    state,
				Dispatch: eng,
				FQDN:     fqdn,
				Watches:  resolved,
				Logger:   logger,
			}
		},
	}
}

// Execute polls every watch in turn. A single watch's failure is
// logged and skipped rather than aborting the whole run — one
// misconfigured repository shouldn't block every other package's
// upstream notifications.
func (t *GHReleasesTask) Execute(ctx context.Context, events []taskengine.Event, raise func(name string, arguments any)) error {
	for _, w := range t.Watches {
		if err := t.pollOne(ctx, w, raise); err != nil {
			t.Logger.Error("pkgtasks: ghreleases watch failed", "package", w.Package, "repo", w.Repo, "error", err)
		}
	}
	return nil
}

func (t *GHReleasesTask) pollOne(ctx context.Context, w releaseWatch, raise func(name string, arguments any)) error {
	releases, err := w.Provider.ListReleases(ctx, w.Repo, 10)
	if err != nil {
		return fmt.Errorf("list releases for %s: %w", w.Repo, err)
	}
	if len(releases) == 0 {
		return nil
	}

	stateKey := w.Package + "|" + w.Repo
	lastSeen, err := t.State.Get(ghReleasesNamespace, stateKey)
	if err != nil {
		return fmt.Errorf("read watermark for %s: %w", stateKey, err)
	}

	// releases is newest-first; walk until we hit the last-seen tag (or
	// the whole page, on first run) and dispatch the rest oldest-first
	// so subscribers see them in chronological order.
	var fresh []forge.Release
	for _, r := range releases {
		if r.TagName == lastSeen {
			break
		}
		if r.Draft {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		rel := fresh[i]
		if err := t.notify(ctx, w, rel); err != nil {
			return fmt.Errorf("notify release %s: %w", rel.TagName, err)
		}
		raise("new_upstream_release", map[string]any{
			"package": w.Package,
			"repo":    w.Repo,
			"tag":     rel.TagName,
		})
	}

	return t.State.Set(ghReleasesNamespace, stateKey, fresh[0].TagName)
}

func (t *GHReleasesTask) notify(ctx context.Context, w releaseWatch, rel forge.Release) error {
	body := rel.Body
	if strings.TrimSpace(body) == "" {
		body = "No release notes were provided upstream."
	}
	subject := fmt.Sprintf("%s %s released upstream", w.Package, rel.TagName)
	md := fmt.Sprintf("## %s %s\n\nPublished upstream at %s: %s\n\n%s\n", w.Package, rel.TagName, w.Repo, rel.HTMLURL, body)

	raw, err := notify.Compose(notify.Options{
		From:    upstreamSender + "@" + t.FQDN,
		To:      []string{w.Package + "_" + w.Keyword + "@" + t.FQDN},
		Subject: subject,
		Body:    md,
	})
	if err != nil {
		return err
	}

	sentTo := w.Package + "_" + w.Keyword
	_, err = t.Dispatch.Dispatch(ctx, raw, sentTo)
	return err
}
