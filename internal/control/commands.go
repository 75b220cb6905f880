package control

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/pts/internal/storage"
)

// baseCommand factors out the parts every command shares: a name, a
// description, and a default non-confirming, non-terminal contract
// that concrete commands embed and override selectively.
type baseCommand struct {
	name        string
	description string
}

func (b baseCommand) Name() string                { return b.name }
func (b baseCommand) Description() string         { return b.description }
func (b baseCommand) RequiresConfirmation() bool   { return false }
func (b baseCommand) Terminal() bool               { return false }
func (baseCommand) Validate(context.Context, *RuntimeContext, Args, string) error { return nil }

// --- subscribe ---

type subscribeCommand struct{ baseCommand }

func newSubscribeCommand() Command {
	return subscribeCommand{baseCommand{"subscribe", "subscribe <package> [<email>] - subscribe to a package"}}
}

var subscribePattern = regexp.MustCompile(`(?i)^subscribe\s+(?P<package>\S+)(?:\s+(?P<email>\S+))?$`)

func (subscribeCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{subscribePattern} }

func (subscribeCommand) CommandText(args Args) string {
	return strings.TrimSpace(fmt.Sprintf("subscribe %s %s", args["package"], args["email"]))
}

func (subscribeCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	pkg := args["package"]
	user := args["email"]
	if user == "" {
		user = requester
	}

	if _, err := rc.Store.GetPackage(ctx, pkg); err == storage.ErrNotFound {
		t.Warn(fmt.Sprintf("package %s is not tracked", pkg))
		return nil
	} else if err != nil {
		return err
	}

	existing, err := rc.Store.GetSubscription(ctx, pkg, user)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if err == nil && existing.Active {
		t.Warn(fmt.Sprintf("%s is already subscribed to %s", user, pkg))
		return nil
	}

	if _, err := rc.Store.EnsureEmailUser(ctx, user); err != nil {
		return err
	}
	if err := rc.Store.Subscribe(ctx, pkg, user, []string{"default"}); err != nil {
		return err
	}
	t.Reply(fmt.Sprintf("%s is now subscribed to %s", user, pkg))
	return nil
}

// --- unsubscribe ---

type unsubscribeCommand struct{ baseCommand }

func newUnsubscribeCommand() Command {
	return unsubscribeCommand{baseCommand{"unsubscribe", "unsubscribe <package> [<email>] - unsubscribe from a package"}}
}

var unsubscribePattern = regexp.MustCompile(`(?i)^unsubscribe\s+(?P<package>\S+)(?:\s+(?P<email>\S+))?$`)

func (unsubscribeCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{unsubscribePattern} }

func (unsubscribeCommand) CommandText(args Args) string {
	return strings.TrimSpace(fmt.Sprintf("unsubscribe %s %s", args["package"], args["email"]))
}

func (unsubscribeCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	pkg := args["package"]
	user := args["email"]
	if user == "" {
		user = requester
	}

	sub, err := rc.Store.GetSubscription(ctx, pkg, user)
	if err == storage.ErrNotFound || (err == nil && !sub.Active) {
		t.Warn(fmt.Sprintf("%s is not subscribed to %s", user, pkg))
		return nil
	}
	if err != nil {
		return err
	}

	if err := rc.Store.Unsubscribe(ctx, pkg, user); err != nil {
		return err
	}
	t.Reply(fmt.Sprintf("%s is no longer subscribed to %s", user, pkg))
	return nil
}

// --- subscribeall / unsubscribeall ---

type subscribeAllCommand struct{ baseCommand }

func newSubscribeAllCommand() Command {
	return subscribeAllCommand{baseCommand{"subscribeall", "subscribeall <package> <keyword> [<email>] - add a keyword to an existing subscription"}}
}

var subscribeAllPattern = regexp.MustCompile(`(?i)^subscribeall\s+(?P<package>\S+)\s+(?P<keyword>\S+)(?:\s+(?P<email>\S+))?$`)

func (subscribeAllCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{subscribeAllPattern} }

func (subscribeAllCommand) CommandText(args Args) string {
	return strings.TrimSpace(fmt.Sprintf("subscribeall %s %s %s", args["package"], args["keyword"], args["email"]))
}

func (subscribeAllCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	pkg, kw := args["package"], args["keyword"]
	user := args["email"]
	if user == "" {
		user = requester
	}

	sub, err := rc.Store.GetSubscription(ctx, pkg, user)
	var keywords []string
	if err == nil {
		keywords = sub.Keywords
	} else if err != storage.ErrNotFound {
		return err
	}
	for _, k := range keywords {
		if k == kw {
			t.Warn(fmt.Sprintf("%s already has keyword %s for %s", user, kw, pkg))
			return nil
		}
	}
	keywords = append(keywords, kw)

	if _, err := rc.Store.EnsureEmailUser(ctx, user); err != nil {
		return err
	}
	if err := rc.Store.Subscribe(ctx, pkg, user, keywords); err != nil {
		return err
	}
	t.Reply(fmt.Sprintf("%s will now receive %s messages for %s", user, kw, pkg))
	return nil
}

type unsubscribeAllCommand struct{ baseCommand }

func newUnsubscribeAllCommand() Command {
	return unsubscribeAllCommand{baseCommand{"unsubscribeall", "unsubscribeall [<email>] - unsubscribe from every package"}}
}

var unsubscribeAllPattern = regexp.MustCompile(`(?i)^unsubscribeall(?:\s+(?P<email>\S+))?$`)

func (unsubscribeAllCommand) Patterns() []*regexp.Regexp {
	return []*regexp.Regexp{unsubscribeAllPattern}
}

func (unsubscribeAllCommand) CommandText(args Args) string {
	return strings.TrimSpace("unsubscribeall " + args["email"])
}

func (unsubscribeAllCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	user := args["email"]
	if user == "" {
		user = requester
	}
	packages, err := rc.Store.UnsubscribeAllByUser(ctx, user, false)
	if err != nil {
		return err
	}
	if len(packages) == 0 {
		t.Warn(fmt.Sprintf("%s has no active subscriptions", user))
		return nil
	}
	sort.Strings(packages)
	t.Reply(fmt.Sprintf("%s unsubscribed from: %s", user, strings.Join(packages, ", ")))
	return nil
}

// --- which ---

type whichCommand struct{ baseCommand }

func newWhichCommand() Command {
	return whichCommand{baseCommand{"which", "which [<email>] - list subscriptions for an address"}}
}

var whichPattern = regexp.MustCompile(`(?i)^which(?:\s+(?P<email>\S+))?$`)

func (whichCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{whichPattern} }

func (whichCommand) CommandText(args Args) string {
	return strings.TrimSpace("which " + args["email"])
}

func (whichCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	user := args["email"]
	if user == "" {
		user = requester
	}
	subs, err := rc.Store.SubscriptionsForUser(ctx, user)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		t.Reply(fmt.Sprintf("%s has no subscriptions", user))
		return nil
	}
	for _, s := range subs {
		if !s.Active {
			continue
		}
		t.Reply(fmt.Sprintf("%s: %s", s.Package, strings.Join(s.Keywords, ", ")))
	}
	return nil
}

// --- status ---

type statusCommand struct{ baseCommand }

func newStatusCommand() Command {
	return statusCommand{baseCommand{"status", "status <package> - report a package's subscriber count"}}
}

var statusPattern = regexp.MustCompile(`(?i)^status\s+(?P<package>\S+)$`)

func (statusCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{statusPattern} }

func (statusCommand) CommandText(args Args) string {
	return "status " + args["package"]
}

func (statusCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	pkg := args["package"]
	if _, err := rc.Store.GetPackage(ctx, pkg); err == storage.ErrNotFound {
		t.Warn(fmt.Sprintf("package %s is not tracked", pkg))
		return nil
	} else if err != nil {
		return err
	}
	subs, err := rc.Store.SubscriptionsForPackage(ctx, pkg)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range subs {
		if s.Active {
			active++
		}
	}
	t.Reply(fmt.Sprintf("%s has %d active subscriber(s)", pkg, active))
	return nil
}

// --- help ---

type helpCommand struct {
	baseCommand
	factory *Factory
}

func newHelpCommand(f *Factory) Command {
	return helpCommand{baseCommand{"help", "help - list available commands"}, f}
}

var helpPattern = regexp.MustCompile(`(?i)^help$`)

func (helpCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{helpPattern} }
func (helpCommand) CommandText(Args) string    { return "help" }

func (h helpCommand) Handle(_ context.Context, _ *RuntimeContext, _ Args, _ string, t *Transcript) error {
	for _, name := range h.factory.reg.Names() {
		cmd, _ := h.factory.Lookup(name)
		t.Reply(cmd.Description())
	}
	return nil
}

// --- quit / thanks / -- ---

type quitCommand struct{ baseCommand }

func newQuitCommand() Command {
	return quitCommand{baseCommand{"quit", "quit | thanks | -- - stop processing the rest of this message"}}
}

var quitPattern = regexp.MustCompile(`(?i)^(quit|thanks|--)$`)

func (quitCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{quitPattern} }
func (quitCommand) CommandText(Args) string     { return "quit" }
func (quitCommand) Terminal() bool              { return true }

func (quitCommand) Handle(context.Context, *RuntimeContext, Args, string, *Transcript) error {
	return nil
}

// --- confirm ---

type confirmCommand struct {
	baseCommand
	factory *Factory
}

func newConfirmCommand(f *Factory) Command {
	return confirmCommand{baseCommand{"confirm", "confirm <token> - complete a command that required confirmation"}, f}
}

var confirmPattern = regexp.MustCompile(`(?i)^confirm\s+(?P<token>\S+)$`)

func (confirmCommand) Patterns() []*regexp.Regexp { return []*regexp.Regexp{confirmPattern} }
func (confirmCommand) CommandText(args Args) string {
	return "confirm " + args["token"]
}

func (c confirmCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	action, err := rc.Confirm.Redeem(ctx, args["token"])
	if err != nil {
		t.Warn("that confirmation token is invalid or has expired")
		return nil
	}

	target, ok := c.factory.Lookup(action.Command)
	if !ok {
		return fmt.Errorf("confirmed action names unknown command %q", action.Command)
	}
	return target.Handle(ctx, rc, Args(action.Args), action.Requester, t)
}

// --- join-team / leave-team / list-team-members ---
// Grounded on pts/mail/control/commands/teams.py: JoinTeam requires
// confirmation and only succeeds for a public team; LeaveTeam and
// listing members do not.

type joinTeamCommand struct{ baseCommand }

func newJoinTeamCommand() Command {
	return joinTeamCommand{baseCommand{"join-team", "join-team <slug> - request to join a public team"}}
}

var joinTeamPattern = regexp.MustCompile(`(?i)^join-team\s+(?P<slug>\S+)$`)

func (joinTeamCommand) Patterns() []*regexp.Regexp       { return []*regexp.Regexp{joinTeamPattern} }
func (joinTeamCommand) CommandText(args Args) string      { return "join-team " + args["slug"] }
func (joinTeamCommand) RequiresConfirmation() bool        { return true }

func (joinTeamCommand) Validate(ctx context.Context, rc *RuntimeContext, args Args, requester string) error {
	team, err := rc.Store.GetTeam(ctx, args["slug"])
	if err == storage.ErrNotFound {
		return fmt.Errorf("team %s does not exist", args["slug"])
	}
	if err != nil {
		return err
	}
	if !team.Public {
		return fmt.Errorf("team %s does not allow self-join", args["slug"])
	}
	isMember, err := rc.Store.IsTeamMember(ctx, args["slug"], requester)
	if err != nil {
		return err
	}
	if isMember {
		return fmt.Errorf("%s is already a member of %s", requester, args["slug"])
	}
	return nil
}

func (joinTeamCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	if _, err := rc.Store.EnsureEmailUser(ctx, requester); err != nil {
		return err
	}
	if err := rc.Store.AddTeamMember(ctx, args["slug"], requester); err != nil {
		return err
	}
	t.Reply(fmt.Sprintf("%s has joined team %s", requester, args["slug"]))
	return nil
}

type leaveTeamCommand struct{ baseCommand }

func newLeaveTeamCommand() Command {
	return leaveTeamCommand{baseCommand{"leave-team", "leave-team <slug> - leave a team"}}
}

var leaveTeamPattern = regexp.MustCompile(`(?i)^leave-team\s+(?P<slug>\S+)$`)

func (leaveTeamCommand) Patterns() []*regexp.Regexp  { return []*regexp.Regexp{leaveTeamPattern} }
func (leaveTeamCommand) CommandText(args Args) string { return "leave-team " + args["slug"] }

func (leaveTeamCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, requester string, t *Transcript) error {
	isMember, err := rc.Store.IsTeamMember(ctx, args["slug"], requester)
	if err != nil {
		return err
	}
	if !isMember {
		t.Warn(fmt.Sprintf("%s is not a member of %s", requester, args["slug"]))
		return nil
	}
	if err := rc.Store.RemoveTeamMember(ctx, args["slug"], requester); err != nil {
		return err
	}
	t.Reply(fmt.Sprintf("%s has left team %s", requester, args["slug"]))
	return nil
}

type listTeamMembersCommand struct{ baseCommand }

func newListTeamMembersCommand() Command {
	return listTeamMembersCommand{baseCommand{"list-team-members", "list-team-members <slug> - list a team's members"}}
}

var listTeamMembersPattern = regexp.MustCompile(`(?i)^list-team-members\s+(?P<slug>\S+)$`)

func (listTeamMembersCommand) Patterns() []*regexp.Regexp {
	return []*regexp.Regexp{listTeamMembersPattern}
}
func (listTeamMembersCommand) CommandText(args Args) string {
	return "list-team-members " + args["slug"]
}

func (listTeamMembersCommand) Handle(ctx context.Context, rc *RuntimeContext, args Args, _ string, t *Transcript) error {
	if _, err := rc.Store.GetTeam(ctx, args["slug"]); err == storage.ErrNotFound {
		t.Warn(fmt.Sprintf("team %s does not exist", args["slug"]))
		return nil
	} else if err != nil {
		return err
	}
	members, err := rc.Store.TeamMembers(ctx, args["slug"])
	if err != nil {
		return err
	}
	if len(members) == 0 {
		t.Reply(fmt.Sprintf("team %s has no members", args["slug"]))
		return nil
	}
	t.Reply(fmt.Sprintf("team %s: %s", args["slug"], strings.Join(members, ", ")))
	return nil
}

// NewDefaultFactory registers the full standard command vocabulary in
// the fixed order control mail processing relies on for reproducible
// matching.
func NewDefaultFactory() *Factory {
	f := NewFactory()
	f.Register(newSubscribeCommand())
	f.Register(newUnsubscribeCommand())
	f.Register(newSubscribeAllCommand())
	f.Register(newUnsubscribeAllCommand())
	f.Register(newWhichCommand())
	f.Register(newStatusCommand())
	f.Register(newJoinTeamCommand())
	f.Register(newLeaveTeamCommand())
	f.Register(newListTeamMembersCommand())
	f.Register(newConfirmCommand(f))
	f.Register(newHelpCommand(f))
	f.Register(newQuitCommand())
	return f
}
