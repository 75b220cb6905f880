// Package bounce implements the Bounce Engine (spec component C7): it
// decodes a VERP bounce address back to the original recipient,
// records the bounce against the day the message was actually sent,
// and evaluates a rolling threshold that triggers an automatic,
// idempotent unsubscribe-all plus a single notification mail.
//
// Grounded on the original pts/dispatch/process.py handle_bounces
// flow, reworked around internal/verp.Decode and
// internal/storage.Store's bounce-history/running-unsubscribe-notified
// bookkeeping.
package bounce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/pts/internal/metrics"
	"github.com/nugget/pts/internal/notify"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/verp"
)

// Policy is the rolling bounce-threshold predicate: over the last
// WindowDays days, a user with at least MinSent messages sent whose
// bounced fraction is >= Ratio is considered to have crossed the
// threshold.
//
// Defaults (7 days, 5 minimum sends, 50% bounce ratio) were chosen as
// the Open Question's resolution: tight enough to catch a genuinely
// dead address within about a week, loose enough that a single bounced
// message out of a handful sent doesn't trigger an unsubscribe.
type Policy struct {
	WindowDays int
	MinSent    int
	Ratio      float64
	// DeletePolicy selects delete (true) over deactivate (false) when
	// the threshold is crossed. Deleting drops queue pressure for
	// addresses that are unlikely to ever recover; deactivating
	// preserves history for a manual resubscribe. Default: delete.
	DeletePolicy bool
}

// DefaultPolicy is used when a zero Policy is supplied to NewEngine.
var DefaultPolicy = Policy{WindowDays: 7, MinSent: 5, Ratio: 0.5, DeletePolicy: true}

// Engine evaluates and acts on bounces for one deployment.
type Engine struct {
	Store  storage.Store
	FQDN   string
	Policy Policy
	SMTP   transport.Config
	// NotifyFrom is the envelope/header From address used for the
	// unsubscribe notification mail.
	NotifyFrom string
}

// NewEngine constructs an Engine, filling in DefaultPolicy if policy is
// the zero value.
func NewEngine(store storage.Store, fqdn string, policy Policy, smtpCfg transport.Config, notifyFrom string) *Engine {
	if policy == (Policy{}) {
		policy = DefaultPolicy
	}
	return &Engine{Store: store, FQDN: fqdn, Policy: policy, SMTP: smtpCfg, NotifyFrom: notifyFrom}
}

// Handle decodes addr as a VERP bounce address and processes the
// bounce it reports. An address that isn't a well-formed VERP bounce
// is logged (via the returned error) and otherwise discarded — it is
// never treated as fatal to whatever caller received the bounce.
func (e *Engine) Handle(ctx context.Context, addr string) error {
	bounceAddr, recipient, err := verp.Decode(addr)
	if err != nil {
		return fmt.Errorf("bounce: invalid VERP address %q: %w", addr, err)
	}

	date, err := dateFromBounceAddress(bounceAddr)
	if err != nil {
		return fmt.Errorf("bounce: invalid bounce date in %q: %w", bounceAddr, err)
	}

	if err := e.Store.RecordBounce(ctx, recipient, date); err != nil {
		return fmt.Errorf("bounce: record bounce for %s: %w", recipient, err)
	}

	crossed, err := e.thresholdCrossed(ctx, recipient)
	if err != nil {
		return fmt.Errorf("bounce: evaluate threshold for %s: %w", recipient, err)
	}
	if !crossed {
		return nil
	}

	already, err := e.Store.WasUnsubscribeNotified(ctx, recipient)
	if err != nil {
		return fmt.Errorf("bounce: check prior notification for %s: %w", recipient, err)
	}
	if already {
		return nil
	}

	packages, err := e.Store.UnsubscribeAllByUser(ctx, recipient, e.Policy.DeletePolicy)
	if err != nil {
		return fmt.Errorf("bounce: unsubscribe-all for %s: %w", recipient, err)
	}
	if len(packages) == 0 {
		return nil
	}
	metrics.BounceUnsubscribedTotal.Inc()

	if err := e.sendNotification(ctx, recipient, packages); err != nil {
		return fmt.Errorf("bounce: send unsubscribe notification to %s: %w", recipient, err)
	}
	return e.Store.MarkUnsubscribeNotified(ctx, recipient, time.Now().UTC())
}

// dateFromBounceAddress extracts the YYYYMMDD date embedded in a
// "bounces+YYYYMMDD" return path's local part.
func dateFromBounceAddress(bounceAddr string) (time.Time, error) {
	at := strings.IndexByte(bounceAddr, '@')
	local := bounceAddr
	if at >= 0 {
		local = bounceAddr[:at]
	}
	const prefix = "bounces+"
	if !strings.HasPrefix(local, prefix) {
		return time.Time{}, fmt.Errorf("missing %q prefix", prefix)
	}
	digits := strings.TrimPrefix(local, prefix)
	if len(digits) != 8 {
		return time.Time{}, fmt.Errorf("expected an 8-digit date, got %q", digits)
	}
	year, err := strconv.Atoi(digits[0:4])
	if err != nil {
		return time.Time{}, err
	}
	month, err := strconv.Atoi(digits[4:6])
	if err != nil {
		return time.Time{}, err
	}
	day, err := strconv.Atoi(digits[6:8])
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func (e *Engine) thresholdCrossed(ctx context.Context, user string) (bool, error) {
	history, err := e.Store.BounceHistory(ctx, user, e.Policy.WindowDays)
	if err != nil {
		return false, err
	}
	var sent, bounced int
	for _, r := range history {
		sent += r.SentCount
		bounced += r.BouncedCount
	}
	if sent < e.Policy.MinSent {
		return false, nil
	}
	return float64(bounced)/float64(sent) >= e.Policy.Ratio, nil
}

func (e *Engine) sendNotification(ctx context.Context, recipient string, packages []string) error {
	body := fmt.Sprintf(
		"Messages sent to %s have been bouncing, so you have been automatically\nunsubscribed from the following packages:\n\n- %s\n",
		recipient, strings.Join(packages, "\n- "),
	)
	raw, err := notify.Compose(notify.Options{
		From:    e.NotifyFrom,
		To:      []string{recipient},
		Subject: "You have been unsubscribed due to bouncing messages",
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("bounce: compose notification: %w", err)
	}

	_, err = transport.SendBatch(ctx, e.SMTP, raw, []transport.Envelope{{From: e.NotifyFrom, To: recipient}})
	return err
}
