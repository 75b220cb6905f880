package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := OpenWithDB(db)
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestEnsurePackageIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO packages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO packages").WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 1; i <= 2; i++ {
		if err := store.EnsurePackage(context.Background(), "dpkg"); err != nil {
			t.Fatalf("EnsurePackage call %d: %v", i, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetPackageNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT created_at FROM packages").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	_, err := store.GetPackage(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Fatalf("GetPackage error = %v, want ErrNotFound", err)
	}
}

func TestSubscribeNormalizesEmailAndSortsKeywords(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO subscriptions").
		WithArgs("dpkg", "alice@example.com", `["bugs","default"]`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Subscribe(context.Background(), "dpkg", "Alice@Example.com", []string{"default", "bugs"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnsubscribeAllByUserNoActiveSubscriptionsIsNoOp(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT package FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"package"}))
	mock.ExpectCommit()

	packages, err := store.UnsubscribeAllByUser(context.Background(), "bob@example.com", true)
	if err != nil {
		t.Fatalf("UnsubscribeAllByUser: %v", err)
	}
	if len(packages) != 0 {
		t.Errorf("expected no affected packages, got %v", packages)
	}
}

func TestUnsubscribeAllByUserDeletePolicy(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT package FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"package"}).AddRow("dpkg").AddRow("wnpp"))
	mock.ExpectExec("DELETE FROM subscriptions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	packages, err := store.UnsubscribeAllByUser(context.Background(), "bob@example.com", true)
	if err != nil {
		t.Fatalf("UnsubscribeAllByUser: %v", err)
	}
	want := []string{"dpkg", "wnpp"}
	if len(packages) != len(want) || packages[0] != want[0] || packages[1] != want[1] {
		t.Errorf("packages = %v, want %v", packages, want)
	}
}

func TestRecordBounceUsesDecodedDateNotWallClock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO bounce_records").
		WithArgs("alice@example.com", "2026-03-01").
		WillReturnResult(sqlmock.NewResult(1, 1))

	decoded := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := store.RecordBounce(context.Background(), "alice@example.com", decoded)
	if err != nil {
		t.Fatalf("RecordBounce: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveAndGetRunningJob(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO running_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	job := &RunningJob{
		ID:              "job-1",
		InitialTaskName: "update_repositories",
		ParametersJSON:  `{}`,
		EventsJSON:      `[]`,
		ProcessedTasks:  []string{"update_repositories"},
	}
	if err := store.SaveRunningJob(context.Background(), job); err != nil {
		t.Fatalf("SaveRunningJob: %v", err)
	}

	mock.ExpectQuery("SELECT id, initial_task").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "initial_task", "parameters_json", "events_json", "processed_json", "finished", "created_at", "updated_at",
		}).AddRow("job-1", "update_repositories", "{}", "[]", `["update_repositories"]`, 0,
			time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339)))

	got, err := store.GetRunningJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetRunningJob: %v", err)
	}
	if got.InitialTaskName != "update_repositories" || len(got.ProcessedTasks) != 1 {
		t.Errorf("GetRunningJob = %+v", got)
	}
}
