package bounce

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/verp"
)

type fakeStore struct {
	storage.Store
	records    map[string][]storage.BounceRecord
	notified   map[string]bool
	unsubCalls [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string][]storage.BounceRecord{}, notified: map[string]bool{}}
}

func (f *fakeStore) RecordBounce(_ context.Context, user string, date time.Time) error {
	recs := f.records[user]
	for i, r := range recs {
		if r.Date.Equal(date) {
			recs[i].BouncedCount++
			return nil
		}
	}
	f.records[user] = append(recs, storage.BounceRecord{User: user, Date: date, BouncedCount: 1})
	return nil
}

func (f *fakeStore) BounceHistory(_ context.Context, user string, _ int) ([]storage.BounceRecord, error) {
	return f.records[user], nil
}

func (f *fakeStore) WasUnsubscribeNotified(_ context.Context, user string) (bool, error) {
	return f.notified[user], nil
}

func (f *fakeStore) MarkUnsubscribeNotified(_ context.Context, user string, _ time.Time) error {
	f.notified[user] = true
	return nil
}

func (f *fakeStore) UnsubscribeAllByUser(_ context.Context, user string, _ bool) ([]string, error) {
	f.unsubCalls = append(f.unsubCalls, []string{user})
	return []string{"nginx", "curl"}, nil
}

func newTestEngine(store *fakeStore) *Engine {
	return &Engine{
		Store:      store,
		FQDN:       "pts.example.org",
		Policy:     Policy{WindowDays: 7, MinSent: 1, Ratio: 0.5, DeletePolicy: true},
		NotifyFrom: "bounces@pts.example.org",
	}
}

func TestDateFromBounceAddressUsesEncodedDateNotWallClock(t *testing.T) {
	date, err := dateFromBounceAddress("bounces+20250101")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !date.Equal(want) {
		t.Errorf("date = %v, want %v", date, want)
	}
}

func TestDateFromBounceAddressRejectsMalformedDigits(t *testing.T) {
	if _, err := dateFromBounceAddress("bounces+notadate"); err == nil {
		t.Error("expected an error for a non-8-digit date")
	}
}

func TestHandleRejectsNonVERPAddress(t *testing.T) {
	e := newTestEngine(newFakeStore())
	if err := e.Handle(context.Background(), "not-a-verp-address@pts.example.org"); err == nil {
		t.Error("expected an error for a non-VERP bounce address")
	}
}

func TestHandleRecordsBounceUnderEncodedDate(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	e.Policy.MinSent = 1000 // keep the threshold from firing in this test

	addr, err := verp.Encode("bounces+20250615@pts.example.org", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Handle(context.Background(), addr); err != nil {
		t.Fatal(err)
	}

	recs := store.records["alice@example.com"]
	if len(recs) != 1 {
		t.Fatalf("got %d bounce records, want 1", len(recs))
	}
	want := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if !recs[0].Date.Equal(want) {
		t.Errorf("recorded date = %v, want %v", recs[0].Date, want)
	}
}
