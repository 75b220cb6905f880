package taskengine

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/pts/internal/storage"
)

type fakeStore struct {
	storage.Store
	saved map[string]*storage.RunningJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: map[string]*storage.RunningJob{}}
}

func (f *fakeStore) SaveRunningJob(_ context.Context, job *storage.RunningJob) error {
	cp := *job
	f.saved[job.ID] = &cp
	return nil
}

func (f *fakeStore) GetRunningJob(_ context.Context, id string) (*storage.RunningJob, error) {
	j, ok := f.saved[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return j, nil
}

// recordingTask executes once, raises a fixed set of events, and
// records how many times it ran and what inbound events it observed.
type recordingTask struct {
	raises []string
	runs   int
	seen   [][]Event
}

func (t *recordingTask) Execute(_ context.Context, events []Event, raise func(string, any)) error {
	t.runs++
	t.seen = append(t.seen, events)
	for _, name := range t.raises {
		raise(name, nil)
	}
	return nil
}

func TestBuildFullTaskDAGConnectsProducerToConsumer(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Class{Name: "fetch", ProducesEvents: []string{"fetched"}, New: func() Task { return &recordingTask{} }})
	reg.Register(Class{Name: "index", DependsOnEvents: []string{"fetched"}, New: func() Task { return &recordingTask{} }})

	g, err := reg.BuildFullTaskDAG()
	if err != nil {
		t.Fatal(err)
	}
	succ := g.DirectSuccessors("fetch")
	if len(succ) != 1 || succ[0] != "index" {
		t.Errorf("successors of fetch = %v, want [index]", succ)
	}
}

func TestJobRunsOnlyInitialTaskAndItsDependents(t *testing.T) {
	fetch := &recordingTask{raises: []string{"fetched"}}
	index := &recordingTask{}
	unrelated := &recordingTask{}

	reg := NewRegistry()
	reg.Register(Class{Name: "fetch", ProducesEvents: []string{"fetched"}, New: func() Task { return fetch }})
	reg.Register(Class{Name: "index", DependsOnEvents: []string{"fetched"}, New: func() Task { return index }})
	reg.Register(Class{Name: "unrelated", New: func() Task { return unrelated }})

	store := newFakeStore()
	job, err := NewJob(context.Background(), store, reg, "job-1", "fetch")
	if err != nil {
		t.Fatal(err)
	}
	if err := job.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	if fetch.runs != 1 {
		t.Errorf("fetch.runs = %d, want 1", fetch.runs)
	}
	if index.runs != 1 {
		t.Errorf("index.runs = %d, want 1 (should have run once fetch raised its event)", index.runs)
	}
	if unrelated.runs != 0 {
		t.Errorf("unrelated.runs = %d, want 0 (not reachable from the initial task)", unrelated.runs)
	}
	if len(index.seen) != 1 || len(index.seen[0]) != 1 || index.seen[0][0].Name != "fetched" {
		t.Errorf("index did not observe the fetched event: %+v", index.seen)
	}

	saved := store.saved["job-1"]
	if saved == nil || !saved.Finished {
		t.Fatal("expected a finished checkpoint to have been saved")
	}
}

func TestJobSkipsTaskThatNeverReceivesAnEvent(t *testing.T) {
	fetch := &recordingTask{} // raises nothing
	index := &recordingTask{}

	reg := NewRegistry()
	reg.Register(Class{Name: "fetch", ProducesEvents: []string{"fetched"}, New: func() Task { return fetch }})
	reg.Register(Class{Name: "index", DependsOnEvents: []string{"fetched"}, New: func() Task { return index }})

	store := newFakeStore()
	job, err := NewJob(context.Background(), store, reg, "job-2", "fetch")
	if err != nil {
		t.Fatal(err)
	}
	if err := job.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if index.runs != 0 {
		t.Errorf("index.runs = %d, want 0 (fetch never raised its dependency)", index.runs)
	}
}

func TestResumeJobSkipsAlreadyProcessedTasks(t *testing.T) {
	fetch := &recordingTask{raises: []string{"fetched"}}
	index := &recordingTask{}

	reg := NewRegistry()
	reg.Register(Class{Name: "fetch", ProducesEvents: []string{"fetched"}, New: func() Task { return fetch }})
	reg.Register(Class{Name: "index", DependsOnEvents: []string{"fetched"}, New: func() Task { return index }})

	saved := &storage.RunningJob{
		ID:              "job-3",
		InitialTaskName: "fetch",
		EventsJSON:      `[{"name":"fetched"}]`,
		ProcessedTasks:  []string{"fetch"},
		CreatedAt:       time.Now().UTC(),
	}
	store := newFakeStore()
	store.saved["job-3"] = saved

	job, err := ResumeJob(context.Background(), store, reg, saved)
	if err != nil {
		t.Fatal(err)
	}
	if err := job.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	if fetch.runs != 0 {
		t.Errorf("fetch.runs = %d, want 0 (already processed before the crash)", fetch.runs)
	}
	if index.runs != 1 {
		t.Errorf("index.runs = %d, want 1 (resumed from the prior events)", index.runs)
	}
}
