// Package control implements the Control Command Processor (spec
// component C5): it turns the plain-text body of an inbound control
// mail into a sequence of commands, executes each against storage with
// a bounded error budget, and replies with a transcript.
//
// Grounded on the original implementation's pts/control/process.py
// (X-Loop self-check, first-plain-text-part extraction, per-line
// command dispatch, MAX_ALLOWED_ERRORS halt, reply-only-if-processed)
// and pts/mail/control/commands/teams.py (the two-phase
// confirmation-required command contract), reworked as an explicit
// Command interface plus the generic internal/registry in place of
// Python's dynamic Command subclass discovery.
package control

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/pts/internal/mailmsg"
	"github.com/nugget/pts/internal/registry"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/vendorhooks"
)

// MaxAllowedErrors is the per-message error budget. Processing halts
// once this many lines in total have failed to match any registered
// command; matched lines in between do not reset the count.
const MaxAllowedErrors = 5

// Args is the set of named capture groups a command's matching
// pattern extracted from the input line.
type Args map[string]string

// Command is the uniform contract every control command implements.
type Command interface {
	Name() string
	Description() string
	// Patterns are tried in order; the first to match a line wins.
	Patterns() []*regexp.Regexp
	// CommandText renders args back into the command's canonical
	// textual form, for transcripts and confirmation mail bodies.
	CommandText(args Args) string
	// RequiresConfirmation reports whether this command must be
	// issued as a token rather than run immediately.
	RequiresConfirmation() bool
	// Validate checks preconditions without making any change. Called
	// both before Handle for a non-confirming command (as a cheap
	// rejection) and during Phase 1 of a confirming command.
	Validate(ctx context.Context, rc *RuntimeContext, args Args, requester string) error
	// Handle performs the command's side effect. For a
	// RequiresConfirmation command this only runs in Phase 2, after
	// the confirmation token is redeemed.
	Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error
	// Terminal reports whether a successful match on this command
	// should stop processing the rest of the message immediately
	// (the quit/thanks/-- sentinels).
	Terminal() bool
}

// RuntimeContext bundles the collaborators commands need.
type RuntimeContext struct {
	Store       storage.Store
	Vendor      *vendorhooks.Vendor
	FQDN        string
	LoopAddress string
	Confirm     *ConfirmationStore
}

// Transcript accumulates the classified lines of a control reply:
// command echoes, ordinary replies, warnings, and errors.
type Transcript struct {
	lines []string
}

func NewTranscript() *Transcript { return &Transcript{} }

func (t *Transcript) Echo(line string)  { t.lines = append(t.lines, "> "+line) }
func (t *Transcript) Reply(line string) { t.lines = append(t.lines, line) }
func (t *Transcript) Warn(line string)  { t.lines = append(t.lines, "Warning: "+line) }
func (t *Transcript) Error(line string) { t.lines = append(t.lines, "Error: "+line) }

func (t *Transcript) String() string {
	return strings.Join(t.lines, "\n") + "\n"
}

// Factory is the ordered command table, built once at startup via
// Register and consulted read-only afterward.
type Factory struct {
	reg *registry.Registry[Command]
}

func NewFactory() *Factory {
	return &Factory{reg: registry.New[Command]()}
}

// Register adds cmd to the table under its own Name(). Panics on a
// duplicate name, matching internal/registry's startup-time
// determinism guarantee.
func (f *Factory) Register(cmd Command) {
	f.reg.Register(cmd.Name(), cmd)
}

// Lookup returns the command registered under name.
func (f *Factory) Lookup(name string) (Command, bool) {
	return f.reg.Lookup(name)
}

// match finds the first registered command (in registration order)
// with a pattern matching line, and returns the command plus the named
// capture groups from the matching pattern.
func (f *Factory) match(line string) (Command, Args, bool) {
	for _, cmd := range f.reg.All() {
		for _, pattern := range cmd.Patterns() {
			m := pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			args := Args{}
			for i, name := range pattern.SubexpNames() {
				if i == 0 || name == "" {
					continue
				}
				args[name] = m[i]
			}
			return cmd, args, true
		}
	}
	return nil, nil, false
}

// Processor ties a Factory to a RuntimeContext and processes inbound
// control mail.
type Processor struct {
	Factory *Factory
	RC      *RuntimeContext
}

func NewProcessor(factory *Factory, rc *RuntimeContext) *Processor {
	return &Processor{Factory: factory, RC: rc}
}

// Process parses raw as an RFC 5322 message and runs its command body.
// It returns the bytes of a reply message, or nil if no reply should
// be sent (the loop-protection drop case, and the zero-commands-
// processed case that exists specifically to avoid amplifying
// garbage mail back at a possibly-forged sender).
func (p *Processor) Process(ctx context.Context, raw []byte, requester string) ([]byte, error) {
	msg, err := mailmsg.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("control: parse inbound message: %w", err)
	}

	if p.isLoop(msg) {
		return nil, nil
	}

	t := NewTranscript()

	part, ok, perr := msg.FirstPart("text/plain")
	if !ok || perr != nil {
		t.Warn("your message did not contain a plain text part I could read")
		return p.composeReply(requester, msg, t)
	}
	text, terr := part.Text()
	if terr != nil {
		t.Warn(fmt.Sprintf("could not decode the message text: %v", terr))
		return p.composeReply(requester, msg, t)
	}

	processed := 0
	errCount := 0

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimRight(rawLine, "\r"))
		if line == "" {
			continue
		}
		t.Echo(line)

		cmd, args, matched := p.Factory.match(line)
		if !matched {
			errCount++
			t.Error(fmt.Sprintf("unknown command: %q", line))
			if errCount >= MaxAllowedErrors {
				break
			}
			continue
		}

		processed++
		p.execute(ctx, cmd, args, requester, t)

		if cmd.Terminal() {
			break
		}
	}

	if processed == 0 {
		return nil, nil
	}
	return p.composeReply(requester, msg, t)
}

func (p *Processor) execute(ctx context.Context, cmd Command, args Args, requester string, t *Transcript) {
	if err := cmd.Validate(ctx, p.RC, args, requester); err != nil {
		t.Warn(err.Error())
		return
	}

	if !cmd.RequiresConfirmation() {
		if err := cmd.Handle(ctx, p.RC, args, requester, t); err != nil {
			t.Error(err.Error())
		}
		return
	}

	token, err := p.RC.Confirm.Issue(ctx, PendingAction{
		Command:   cmd.Name(),
		Args:      args,
		Requester: requester,
	})
	if err != nil {
		t.Error("could not issue a confirmation token, please try again later")
		return
	}
	t.Reply(fmt.Sprintf("This command requires confirmation. Reply with: confirm %s", token))
}

func (p *Processor) isLoop(msg *mailmsg.Message) bool {
	for _, v := range msg.Header.Values("X-Loop") {
		if strings.Contains(v, p.RC.LoopAddress) {
			return true
		}
	}
	return false
}

// composeReply builds the transcript reply message. Any X-PTS-* header
// on the inbound message is echoed back both as a transcript line and
// as a header on the reply itself, so a caller driving control by mail
// has a diagnostic trail of what it sent without needing mail server
// logs.
func (p *Processor) composeReply(to string, inbound *mailmsg.Message, t *Transcript) ([]byte, error) {
	reply := &mailmsg.Message{}
	if err := reply.AddHeader("From", p.RC.LoopAddress); err != nil {
		return nil, err
	}
	if err := reply.AddHeader("To", to); err != nil {
		return nil, fmt.Errorf("control: reply To header: %w", err)
	}
	if err := reply.AddHeader("Subject", "Re: control message"); err != nil {
		return nil, err
	}
	if err := reply.AddHeader("X-Loop", p.RC.LoopAddress); err != nil {
		return nil, err
	}
	for _, f := range ptsHeaders(inbound) {
		if err := reply.AddHeader(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("control: echo %s header: %w", f.Name, err)
		}
		t.Reply(fmt.Sprintf("[%s: %s]", f.Name, f.Value))
	}
	if err := reply.AddHeader("Content-Type", "text/plain; charset=utf-8"); err != nil {
		return nil, err
	}
	reply.Body = []byte(t.String())
	return reply.Bytes(), nil
}

// ptsHeaders returns every inbound header whose name carries the
// X-PTS- prefix, in the order they appeared on the message.
func ptsHeaders(msg *mailmsg.Message) []struct{ Name, Value string } {
	var out []struct{ Name, Value string }
	for _, f := range msg.Header.Fields() {
		if strings.HasPrefix(strings.ToUpper(f.Name), "X-PTS-") {
			out = append(out, f)
		}
	}
	return out
}
