package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/vendorhooks"
)

type fakeStore struct {
	storage.Store // nil embed: any unimplemented method panics loudly instead of compiling wrong

	packages      map[string]bool
	subscriptions map[string]*storage.Subscription // key: pkg+"\x00"+user
	teams         map[string]*storage.Team
	members       map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		packages:      map[string]bool{},
		subscriptions: map[string]*storage.Subscription{},
		teams:         map[string]*storage.Team{},
		members:       map[string]map[string]bool{},
	}
}

func key(pkg, user string) string { return pkg + "\x00" + user }

func (f *fakeStore) GetPackage(_ context.Context, name string) (*storage.Package, error) {
	if !f.packages[name] {
		return nil, storage.ErrNotFound
	}
	return &storage.Package{Name: name}, nil
}

func (f *fakeStore) EnsurePackage(_ context.Context, name string) error {
	f.packages[name] = true
	return nil
}

func (f *fakeStore) EnsureEmailUser(_ context.Context, email string) (*storage.EmailUser, error) {
	return &storage.EmailUser{Email: email}, nil
}

func (f *fakeStore) GetSubscription(_ context.Context, pkg, user string) (*storage.Subscription, error) {
	s, ok := f.subscriptions[key(pkg, user)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) Subscribe(_ context.Context, pkg, user string, keywords []string) error {
	f.subscriptions[key(pkg, user)] = &storage.Subscription{Package: pkg, User: user, Active: true, Keywords: keywords}
	return nil
}

func (f *fakeStore) Unsubscribe(_ context.Context, pkg, user string) error {
	if s, ok := f.subscriptions[key(pkg, user)]; ok {
		s.Active = false
	}
	return nil
}

func (f *fakeStore) SubscriptionsForPackage(_ context.Context, pkg string) ([]storage.Subscription, error) {
	var out []storage.Subscription
	for _, s := range f.subscriptions {
		if s.Package == pkg {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) SubscriptionsForUser(_ context.Context, user string) ([]storage.Subscription, error) {
	var out []storage.Subscription
	for _, s := range f.subscriptions {
		if s.User == user {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTeam(_ context.Context, slug string) (*storage.Team, error) {
	team, ok := f.teams[slug]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return team, nil
}

func (f *fakeStore) AddTeamMember(_ context.Context, slug, user string) error {
	if f.members[slug] == nil {
		f.members[slug] = map[string]bool{}
	}
	f.members[slug][user] = true
	return nil
}

func (f *fakeStore) RemoveTeamMember(_ context.Context, slug, user string) error {
	delete(f.members[slug], user)
	return nil
}

func (f *fakeStore) TeamMembers(_ context.Context, slug string) ([]string, error) {
	var out []string
	for u := range f.members[slug] {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) IsTeamMember(_ context.Context, slug, user string) (bool, error) {
	return f.members[slug][user], nil
}

func (f *fakeStore) UnsubscribeAllByUser(_ context.Context, user string, _ bool) ([]string, error) {
	var out []string
	for _, s := range f.subscriptions {
		if s.User == user && s.Active {
			s.Active = false
			out = append(out, s.Package)
		}
	}
	return out, nil
}

func newTestProcessor(t *testing.T, store storage.Store) *Processor {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rc := &RuntimeContext{
		Store:       store,
		Vendor:      vendorhooks.None,
		FQDN:        "pts.example.org",
		LoopAddress: "pts@pts.example.org",
		Confirm:     NewConfirmationStore(rdb, time.Hour),
	}
	return NewProcessor(NewDefaultFactory(), rc)
}

func buildControlMessage(t *testing.T, body string) []byte {
	t.Helper()
	var b strings.Builder
	b.WriteString("From: user@example.com\r\n")
	b.WriteString("To: pts@pts.example.org\r\n")
	b.WriteString("Subject: control\r\n")
	b.WriteString("Content-Type: text/plain; charset=ascii\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func TestProcessStopsAfterFiveErrorsAndDropsTheValidLine(t *testing.T) {
	store := newFakeStore()
	store.packages["nginx"] = true
	p := newTestProcessor(t, store)

	body := "garbage1\ngarbage2\ngarbage3\ngarbage4\ngarbage5\nsubscribe nginx user@x\n"
	reply, err := p.Process(context.Background(), buildControlMessage(t, body), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no reply when every line is an error, got: %s", reply)
	}
	if _, err := store.GetSubscription(context.Background(), "nginx", "user@x"); err != storage.ErrNotFound {
		t.Error("the valid subscribe line after the 5th error must not have been executed")
	}
}

func TestProcessDropsLoopedMessageSilently(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, store)

	var b strings.Builder
	b.WriteString("From: user@example.com\r\n")
	b.WriteString("X-Loop: pts@pts.example.org\r\n")
	b.WriteString("Content-Type: text/plain; charset=ascii\r\n")
	b.WriteString("\r\n")
	b.WriteString("help\n")

	reply, err := p.Process(context.Background(), []byte(b.String()), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != nil {
		t.Error("expected a looped message to be dropped with no reply")
	}
}

func TestProcessRepliesOnlyWhenSomethingWasProcessed(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "   \n\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != nil {
		t.Error("expected no reply for a message with no command lines")
	}
}

func TestSubscribeThenWhichReportsIt(t *testing.T) {
	store := newFakeStore()
	store.packages["nginx"] = true
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "subscribe nginx\nwhich\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if !strings.Contains(string(reply), "nginx") {
		t.Errorf("expected reply to mention nginx, got: %s", reply)
	}
}

func TestSubscribeTwiceWarnsInsteadOfErroring(t *testing.T) {
	store := newFakeStore()
	store.packages["nginx"] = true
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "subscribe nginx\nsubscribe nginx\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(string(reply), "Warning:") {
		t.Errorf("expected a warning on the second subscribe, got: %s", reply)
	}
}

func TestSubscribeUnknownPackageWarns(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "subscribe doesnotexist\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(string(reply), "Warning:") {
		t.Errorf("expected a warning for an untracked package, got: %s", reply)
	}
}

func TestTerminalCommandStopsProcessingRestOfMessage(t *testing.T) {
	store := newFakeStore()
	store.packages["nginx"] = true
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "quit\nsubscribe nginx\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a reply (quit itself was processed)")
	}
	if _, err := store.GetSubscription(context.Background(), "nginx", "user@example.com"); err != storage.ErrNotFound {
		t.Error("subscribe after quit should never have run")
	}
}

func TestJoinTeamRequiresConfirmationThenConfirmCompletesIt(t *testing.T) {
	store := newFakeStore()
	store.teams["infra"] = &storage.Team{Slug: "infra", Owner: "owner@example.com", Public: true}
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "join-team infra\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	text := string(reply)
	if !strings.Contains(text, "confirm ") {
		t.Fatalf("expected a confirmation prompt, got: %s", text)
	}

	idx := strings.Index(text, "confirm ")
	token := strings.Fields(text[idx+len("confirm "):])[0]

	reply2, err := p.Process(context.Background(), buildControlMessage(t, "confirm "+token+"\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process (confirm): %v", err)
	}
	if !strings.Contains(string(reply2), "has joined team infra") {
		t.Errorf("expected join confirmation, got: %s", reply2)
	}
	if !store.members["infra"]["user@example.com"] {
		t.Error("expected user@example.com to be recorded as a member of infra")
	}
}

func TestJoinPrivateTeamIsRejectedAtValidation(t *testing.T) {
	store := newFakeStore()
	store.teams["secret"] = &storage.Team{Slug: "secret", Owner: "owner@example.com", Public: false}
	p := newTestProcessor(t, store)

	reply, err := p.Process(context.Background(), buildControlMessage(t, "join-team secret\n"), "user@example.com")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(string(reply), "Warning:") {
		t.Errorf("expected a warning rejecting the private team join, got: %s", reply)
	}
	if store.members["secret"]["user@example.com"] {
		t.Error("private team join must not have succeeded")
	}
}
