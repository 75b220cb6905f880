// Package transport implements the SMTP collaborator the specification
// leaves as an external contract (component C10): given a byte-exact
// message and a set of (envelope-from, envelope-to) pairs, hand each to
// an SMTP relay.
//
// Grounded on the teacher's internal/email/smtp.go, which opens one
// connection per SendMail call. The dispatch engine's fan-out (§4.6
// step 9 of the specification) instead needs one connection reused
// across an entire batch of per-recipient envelopes sharing the same
// DATA bytes but differing VERP-encoded MAIL FROM — so Connection here
// holds the dial/EHLO/TLS/AUTH handshake open and exposes a Send method
// callable once per recipient, with Close doing the final QUIT.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"time"
)

// Config describes how to reach an SMTP relay.
type Config struct {
	Host     string
	Port     int
	StartTLS bool
	Username string
	Password string
}

const dialTimeout = 30 * time.Second

// Connection is a single SMTP session kept open across multiple
// envelopes. It is not safe for concurrent use — the dispatch engine's
// per-package fan-out is inherently sequential over one connection by
// design, matching the specification's "single reusable SMTP
// connection" requirement.
type Connection struct {
	cfg    Config
	client *smtp.Client
}

// Dial opens, EHLOs, and (if configured) authenticates a connection to
// the relay described by cfg. The context deadline, if any, bounds the
// dial only; subsequent Send calls are not individually time-limited
// beyond the underlying TCP connection's own behavior, matching the
// teacher's treatment of ctx as a dial deadline.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: timeout}

	var client *smtp.Client
	if !cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("transport: dial SMTPS %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: create SMTP client on %s: %w", addr, err)
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial SMTP %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: create SMTP client on %s: %w", addr, err)
		}
	}

	if err := client.Hello("localhost"); err != nil {
		client.Close()
		return nil, fmt.Errorf("transport: EHLO: %w", err)
	}

	if cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			client.Close()
			return nil, fmt.Errorf("transport: STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("transport: AUTH: %w", err)
		}
	}

	return &Connection{cfg: cfg, client: client}, nil
}

// Send transmits one envelope (a single MAIL FROM/RCPT TO/DATA cycle)
// over the already-open connection. Per the specification, the failure
// of one recipient's envelope must not abort the rest of a fan-out —
// Send returns the error so the caller (internal/dispatch) can log it
// and move on to the next recipient rather than treating it as fatal
// to the whole batch.
func (c *Connection) Send(envelopeFrom, envelopeTo string, data []byte) error {
	if err := c.client.Reset(); err != nil {
		return fmt.Errorf("transport: RSET before %s: %w", envelopeTo, err)
	}
	if err := c.client.Mail(envelopeFrom); err != nil {
		return fmt.Errorf("transport: MAIL FROM %s: %w", envelopeFrom, err)
	}
	if err := c.client.Rcpt(envelopeTo); err != nil {
		return fmt.Errorf("transport: RCPT TO %s: %w", envelopeTo, err)
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("transport: DATA %s: %w", envelopeTo, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("transport: write message to %s: %w", envelopeTo, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("transport: close DATA to %s: %w", envelopeTo, err)
	}
	return nil
}

// Close sends QUIT and releases the underlying connection.
func (c *Connection) Close() error {
	return c.client.Quit()
}

// Envelope pairs a single recipient with the per-recipient envelope
// sender the dispatch engine VERP-encodes for it.
type Envelope struct {
	From string
	To   string
}

// SendResult records the outcome of one envelope within a SendBatch
// call.
type SendResult struct {
	To  string
	Err error
}

// SendBatch dials once, sends every envelope in recipient-sorted order
// (the specification requires deterministic, reproducible ordering
// across runs), and closes the connection, returning a per-recipient
// result slice so the caller can account sent/failed counts without
// aborting on the first failure.
func SendBatch(ctx context.Context, cfg Config, data []byte, envelopes []Envelope) ([]SendResult, error) {
	sorted := sortedEnvelopes(envelopes)

	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	results := make([]SendResult, 0, len(sorted))
	for _, env := range sorted {
		err := conn.Send(env.From, env.To, data)
		results = append(results, SendResult{To: env.To, Err: err})
	}
	return results, nil
}

// sortedEnvelopes returns a copy of envelopes ordered by recipient
// address, giving every batch a reproducible send order independent of
// the order recipients were selected from storage.
func sortedEnvelopes(envelopes []Envelope) []Envelope {
	sorted := append([]Envelope(nil), envelopes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].To < sorted[j].To })
	return sorted
}
