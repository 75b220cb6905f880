// Package dispatch implements the Mail Dispatch Engine (spec component
// C6): it classifies one inbound message addressed to a package's
// dispatch alias, decorates it with tracking headers, and fans it out
// to every subscriber whose keyword set matches.
//
// Grounded on the original dispatcher's pts/dispatch/process.py
// pipeline (bounce-prefix shortcut, loop guard, default-keyword
// approval gate, header decoration order, VERP-per-recipient
// envelopes), reworked around mailmsg.Message, internal/transport's
// single-connection fan-out, and internal/storage for subscriber
// lookup and sent-count accounting.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/pts/internal/bounce"
	"github.com/nugget/pts/internal/mailmsg"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/vendorhooks"
	"github.com/nugget/pts/internal/verp"
)

// Engine ties together the collaborators the dispatch pipeline needs.
type Engine struct {
	Store  storage.Store
	Vendor *vendorhooks.Vendor
	Bounce *bounce.Engine
	FQDN   string
	SMTP   transport.Config
}

// Result reports what happened to one inbound dispatch attempt, for
// logging and metrics at the caller.
type Result struct {
	Dropped   bool
	DropCause string
	Package   string
	Keyword   string
	Sent      int
	Failed    int
}

// Dispatch runs the full pipeline against raw message bytes addressed
// to sentTo (the envelope recipient local part before "@", e.g.
// "nginx" or "nginx_bts" or "bounces+20260301+alice=example.com").
func (e *Engine) Dispatch(ctx context.Context, raw []byte, sentTo string) (Result, error) {
	if strings.HasPrefix(sentTo, "bounces+") {
		if e.Bounce == nil {
			return Result{Dropped: true, DropCause: "no bounce engine configured"}, nil
		}
		if err := e.Bounce.Handle(ctx, sentTo+"@"+e.FQDN); err != nil {
			return Result{}, fmt.Errorf("dispatch: bounce shortcut: %w", err)
		}
		return Result{Dropped: true, DropCause: "bounce"}, nil
	}

	msg, err := mailmsg.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: parse inbound message: %w", err)
	}

	pkg, keyword := splitPackageKeyword(sentTo)
	if keyword == "" {
		if kw, ok := e.Vendor.Keyword(pkg, msg); ok {
			keyword = kw
		} else {
			keyword = "default"
		}
	}

	loopAddr := pkg + "@" + e.FQDN
	for _, v := range msg.Header.Values("X-Loop") {
		if strings.Contains(v, loopAddr) {
			return Result{Dropped: true, DropCause: "loop", Package: pkg, Keyword: keyword}, nil
		}
	}

	if keyword == "default" {
		approved := msg.Header.Has("X-PTS-Approved")
		if !approved && e.Vendor.HasApproveDefaultMessage() {
			approved = e.Vendor.ApproveDefault(msg)
		}
		if !approved {
			return Result{Dropped: true, DropCause: "unapproved default message", Package: pkg, Keyword: keyword}, nil
		}
	}

	if _, err := e.Store.GetPackage(ctx, pkg); err == storage.ErrNotFound {
		return Result{Dropped: true, DropCause: "unknown package", Package: pkg, Keyword: keyword}, nil
	} else if err != nil {
		return Result{}, fmt.Errorf("dispatch: look up package %s: %w", pkg, err)
	}

	decorated, err := decorate(msg, e.Vendor, loopAddr, pkg, keyword)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: decorate headers: %w", err)
	}

	subs, err := e.Store.SubscriptionsForPackage(ctx, pkg)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: list subscriptions for %s: %w", pkg, err)
	}

	var envelopes []transport.Envelope
	returnPath := fmt.Sprintf("bounces+%s@%s", time.Now().UTC().Format("20060102"), e.FQDN)
	for _, s := range subs {
		if !s.Active || !hasKeyword(s.Keywords, keyword) {
			continue
		}
		from, err := verp.Encode(returnPath, s.User)
		if err != nil {
			continue // a malformed recipient address cannot be VERP-encoded; skip it
		}
		envelopes = append(envelopes, transport.Envelope{From: from, To: s.User})
	}

	result := Result{Package: pkg, Keyword: keyword}
	if len(envelopes) == 0 {
		return result, nil
	}

	data := decorated.Bytes()
	results, err := transport.SendBatch(ctx, e.SMTP, data, envelopes)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: send batch for %s: %w", pkg, err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, r := range results {
		if r.Err != nil {
			result.Failed++
			continue
		}
		result.Sent++
		if err := e.Store.RecordSent(ctx, r.To, today, 1); err != nil {
			return result, fmt.Errorf("dispatch: record sent for %s: %w", r.To, err)
		}
	}
	return result, nil
}

// splitPackageKeyword splits a dispatch-alias local part of the form
// "<pkg>" or "<pkg>_<keyword>" on the first underscore.
func splitPackageKeyword(localPart string) (pkg, keyword string) {
	idx := strings.IndexByte(localPart, '_')
	if idx < 0 {
		return localPart, ""
	}
	return localPart[:idx], localPart[idx+1:]
}

func hasKeyword(keywords []string, keyword string) bool {
	for _, k := range keywords {
		if k == keyword {
			return true
		}
	}
	return false
}

// decorate clones msg (dispatch must never mutate the caller's copy)
// and appends the fixed header set in the exact order the
// specification requires, followed by any vendor-supplied headers.
// Existing headers are never removed.
func decorate(msg *mailmsg.Message, vendor *vendorhooks.Vendor, loopAddr, pkg, keyword string) (*mailmsg.Message, error) {
	out := msg.Clone()

	controlAddr := pkg + "-control@" + strings.TrimPrefix(loopAddr, pkg+"@")
	unsubscribeBody := fmt.Sprintf("mailto:%s?body=unsubscribe%%20%s", controlAddr, pkg)

	additions := []struct{ name, value string }{
		{"X-Loop", loopAddr},
		{"X-PTS-Package", pkg},
		{"X-PTS-Keyword", keyword},
		{"Precedence", "list"},
		{"List-Unsubscribe", "<" + unsubscribeBody + ">"},
	}
	for _, h := range additions {
		if err := out.AddHeader(h.name, h.value); err != nil {
			return nil, err
		}
	}

	if vendor.HasAddNewHeaders() {
		for _, h := range vendor.NewHeaders(out, pkg, keyword) {
			if err := out.AddHeader(h.Name, h.Value); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
