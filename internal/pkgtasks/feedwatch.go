package pkgtasks

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/dispatch"
	"github.com/nugget/pts/internal/httpkit"
	"github.com/nugget/pts/internal/notify"
	"github.com/nugget/pts/internal/opstate"
	"github.com/nugget/pts/internal/taskengine"
)

// feedWatchNamespace is the opstate namespace the watermark (last-seen
// entry GUID per watch) is stored under.
const feedWatchNamespace = "pkgtasks.feedwatch"

const feedSender = "feed-watch"

// feedParser is the subset of *gofeed.Parser's surface FeedWatchTask
// needs, so tests can substitute a fake instead of hitting the
// network.
type feedParser interface {
	ParseURLWithContext(url string, ctx context.Context) (*gofeed.Feed, error)
}

// FeedWatchTask polls every configured RSS/Atom feed and dispatches one
// notification per entry not previously seen.
type FeedWatchTask struct {
	Parser   feedParser
	State    *opstate.Store
	Dispatch *dispatch.Engine
	FQDN     string
	Watches  []config.FeedWatch
	Logger   *slog.Logger
}

// NewFeedWatchClass builds the "feedwatch" task class. Registered
// alongside ghreleases and fired by the scheduler via a PayloadTaskRun
// targeting "feedwatch".
func NewFeedWatchClass(state *opstate.Store, eng *dispatch.Engine, fqdn string, watches []config.FeedWatch, logger *slog.Logger) taskengine.Class {
	if logger == nil {
		logger = slog.Default()
	}
	parser := gofeed.NewParser()
	parser.Client = httpkit.NewClient()

	return taskengine.Class{
		Name:           "feedwatch",
		ProducesEvents: []string{"feed_entry"},
		New: func() taskengine.Task {
			return &FeedWatchTask{
				Parser:   parser,
				State:    state,
				Dispatch: eng,
				FQDN:     fqdn,
				Watches:  watches,
				Logger:   logger,
			}
		},
	}
}

// Execute polls every watch in turn. A single feed's failure (bad URL,
// unreachable host, malformed XML) is logged and skipped.
func (t *FeedWatchTask) Execute(ctx context.Context, events []taskengine.Event, raise func(name string, arguments any)) error {
	for _, w := range t.Watches {
		if err := t.pollOne(ctx, w, raise); err != nil {
			t.Logger.Error("pkgtasks: feedwatch poll failed", "package", w.Package, "url", w.URL, "error", err)
		}
	}
	return nil
}

func (t *FeedWatchTask) pollOne(ctx context.Context, w config.FeedWatch, raise func(name string, arguments any)) error {
	feed, err := t.Parser.ParseURLWithContext(w.URL, ctx)
	if err != nil {
		return fmt.Errorf("fetch feed %s: %w", w.URL, err)
	}
	if len(feed.Items) == 0 {
		return nil
	}

	stateKey := w.Package + "|" + w.URL
	lastSeen, err := t.State.Get(feedWatchNamespace, stateKey)
	if err != nil {
		return fmt.Errorf("read watermark for %s: %w", stateKey, err)
	}

	var fresh []*gofeed.Item
	for _, item := range feed.Items {
		guid := entryGUID(item)
		if guid == lastSeen {
			break
		}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return nil
	}

	// feed.Items is newest-first; send oldest-first so subscribers see
	// entries in chronological order.
	for i := len(fresh) - 1; i >= 0; i-- {
		item := fresh[i]
		if err := t.notify(ctx, w, feed.Title, item); err != nil {
			return fmt.Errorf("notify entry %q: %w", item.Title, err)
		}
		raise("feed_entry", map[string]any{
			"package": w.Package,
			"url":     w.URL,
			"title":   item.Title,
			"link":    item.Link,
		})
	}

	return t.State.Set(feedWatchNamespace, stateKey, entryGUID(fresh[0]))
}

func (t *FeedWatchTask) notify(ctx context.Context, w config.FeedWatch, feedTitle string, item *gofeed.Item) error {
	desc := stripHTML(item.Description)
	if desc == "" {
		desc = stripHTML(item.Content)
	}

	subject := fmt.Sprintf("%s: %s", w.Package, item.Title)
	md := fmt.Sprintf("## %s\n\n%s\n\n[Read more](%s)\n", item.Title, desc, item.Link)

	raw, err := notify.Compose(notify.Options{
		From:    feedSender + "@" + t.FQDN,
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

// entryGUID returns the feed-supplied GUID, falling back to the entry
// link when a feed omits GUIDs (common on plain RSS).
func entryGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes markup from feed descriptions so the plain-text
// part of the notification isn't full of raw tags.
func stripHTML(input string) string {
	text := htmlTagPattern.ReplaceAllString(input, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
