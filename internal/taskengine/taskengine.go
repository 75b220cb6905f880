// Package taskengine implements the Task DAG Engine (spec component
// C8): a registry of data-processing task classes wired together by
// the events they produce and consume, instantiated into a job rooted
// at one initial task, run in dependency order, and checkpointed after
// every task so a crashed run can resume without replaying work.
//
// Grounded directly on original_source/pts/core/tasks.py
// (BaseTask/Event/TaskDAG/JobState/Job), reworked around
// internal/dag's generic Graph (task names are the comparable node
// identity, since Go func-valued structs aren't comparable) and
// internal/registry in place of the original's metaclass-based
// automatic subclass registration.
package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/pts/internal/dag"
	"github.com/nugget/pts/internal/registry"
	"github.com/nugget/pts/internal/storage"
)

// Event is a named, optionally-parameterized signal one task raises
// during execution for the tasks that depend on it to observe.
type Event struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// Task is the uniform contract every data-processing task implements.
type Task interface {
	// Execute performs the task's work. events holds every event
	// raised so far in this job run that this task declared a
	// dependency on. raise should be called once per event the task
	// wants downstream tasks to observe.
	Execute(ctx context.Context, events []Event, raise func(name string, arguments any)) error
}

// ParameterizedTask is implemented by tasks that accept job-level
// parameters (the original's set_parameters hook). Optional: most
// tasks need nothing beyond the events they depend on.
type ParameterizedTask interface {
	SetParameters(parameters map[string]any)
}

// Class describes a registered task: its name, the events it depends
// on and produces, and a constructor for a fresh instance. Two Class
// values are never compared for equality (the DAG keys on Name, a
// plain string, specifically because Class itself holds a func field
// and so isn't comparable).
type Class struct {
	Name            string
	DependsOnEvents []string
	ProducesEvents  []string
	New             func() Task
}

// Registry is the process-global table of registered task classes,
// populated once at startup the same way internal/control's Factory
// is: explicit Register calls, no dynamic discovery.
type Registry struct {
	reg *registry.Registry[Class]
}

func NewRegistry() *Registry {
	return &Registry{reg: registry.New[Class]()}
}

func (r *Registry) Register(c Class) {
	r.reg.Register(c.Name, c)
}

func (r *Registry) Lookup(name string) (Class, bool) {
	return r.reg.Lookup(name)
}

func (r *Registry) All() []Class {
	return r.reg.All()
}

// BuildFullTaskDAG computes the dependency graph over every registered
// class: an edge producer -> consumer exists for every (producer,
// consumer) pair that share an event name. Returns an error if the
// dependency edges would form a cycle.
func (r *Registry) BuildFullTaskDAG() (*dag.Graph[string], error) {
	g := dag.New[string]()
	for _, c := range r.reg.All() {
		g.AddNode(c.Name)
	}

	producers := map[string][]string{}
	consumers := map[string][]string{}
	for _, c := range r.reg.All() {
		for _, e := range c.ProducesEvents {
			producers[e] = append(producers[e], c.Name)
		}
		for _, e := range c.DependsOnEvents {
			consumers[e] = append(consumers[e], c.Name)
		}
	}

	for event, prods := range producers {
		for _, p := range prods {
			for _, cons := range consumers[event] {
				if err := g.AddEdge(p, cons); err != nil {
					return nil, fmt.Errorf("taskengine: building dependency graph over event %q: %w", event, err)
				}
			}
		}
	}
	return g, nil
}

// runtimeTask bundles a live Task instance with its class and
// bookkeeping state for one job run.
type runtimeTask struct {
	class         Class
	task          Task
	eventReceived bool
}

// Job runs one initial task and every task reachable from it through
// the dependency graph, in topological order, checkpointing progress
// after each task via Store.
type Job struct {
	ID          string
	InitialTask string
	graph       *dag.Graph[string]
	tasks       map[string]*runtimeTask
	events      []Event
	processed   []string
	parameters  map[string]any
	finished    bool

	store storage.Store
}

// NewJob builds a fresh job rooted at initialTaskName: the subgraph is
// restricted to the initial task plus every task reachable from it
// (everything else cannot possibly be triggered and is discarded), and
// the initial task is pre-flagged as having received an event so it
// always runs.
func NewJob(ctx context.Context, store storage.Store, reg *Registry, id, initialTaskName string) (*Job, error) {
	full, err := reg.BuildFullTaskDAG()
	if err != nil {
		return nil, err
	}
	if !full.HasNode(initialTaskName) {
		return nil, fmt.Errorf("taskengine: %q is not a registered task", initialTaskName)
	}

	reachable := make(map[string]bool)
	reachable[initialTaskName] = true
	for _, n := range full.ReachableFrom(initialTaskName) {
		reachable[n] = true
	}
	for _, n := range full.AllNodes() {
		if !reachable[n] {
			full.RemoveNode(n)
		}
	}

	tasks := make(map[string]*runtimeTask, len(reachable))
	for _, c := range reg.All() {
		if !reachable[c.Name] {
			continue
		}
		tasks[c.Name] = &runtimeTask{
			class:         c,
			task:          c.New(),
			eventReceived: c.Name == initialTaskName,
		}
	}

	return &Job{
		ID:          id,
		InitialTask: initialTaskName,
		graph:       full,
		tasks:       tasks,
		store:       store,
	}, nil
}

// ResumeJob reconstructs a Job from a checkpointed RunningJob record,
// restoring its processed-task list and event log, and re-deriving
// which not-yet-processed tasks should be considered to have received
// an event based on the events already logged.
func ResumeJob(ctx context.Context, store storage.Store, reg *Registry, saved *storage.RunningJob) (*Job, error) {
	job, err := NewJob(ctx, store, reg, saved.ID, saved.InitialTaskName)
	if err != nil {
		return nil, err
	}

	if saved.ParametersJSON != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(saved.ParametersJSON), &params); err != nil {
			return nil, fmt.Errorf("taskengine: unmarshal job parameters: %w", err)
		}
		job.parameters = params
	}
	if saved.EventsJSON != "" {
		var events []Event
		if err := json.Unmarshal([]byte(saved.EventsJSON), &events); err != nil {
			return nil, fmt.Errorf("taskengine: unmarshal job events: %w", err)
		}
		job.events = events
	}
	job.processed = append([]string(nil), saved.ProcessedTasks...)
	job.finished = saved.Finished

	raisedNames := make(map[string]bool, len(job.events))
	for _, e := range job.events {
		raisedNames[e.Name] = true
	}
	for _, rt := range job.tasks {
		if rt.eventReceived {
			continue
		}
		for _, dep := range rt.class.DependsOnEvents {
			if raisedNames[dep] {
				rt.eventReceived = true
				break
			}
		}
	}
	return job, nil
}

// Run executes every not-yet-processed task in topological order,
// skipping tasks that never received a triggering event, and
// checkpoints the job's state after each task regardless of whether
// that task ran or errored.
func (j *Job) Run(ctx context.Context, parameters map[string]any) error {
	if parameters != nil {
		j.parameters = parameters
	}

	alreadyProcessed := make(map[string]bool, len(j.processed))
	for _, name := range j.processed {
		alreadyProcessed[name] = true
	}

	for _, name := range j.graph.TopoSort() {
		if alreadyProcessed[name] {
			continue
		}
		rt := j.tasks[name]

		if rt.eventReceived {
			if pt, ok := rt.task.(ParameterizedTask); ok && j.parameters != nil {
				pt.SetParameters(j.parameters)
			}

			relevant := eventsFor(j.events, rt.class.DependsOnEvents)
			slog.Info("taskengine: starting task", "task", name)
			err := rt.task.Execute(ctx, relevant, func(eventName string, args any) {
				j.events = append(j.events, Event{Name: eventName, Arguments: args})
			})
			if err != nil {
				slog.Error("taskengine: task failed", "task", name, "error", err)
			} else {
				slog.Info("taskengine: task finished", "task", name)
			}

			j.updateDependentTaskEvents(name)
		}

		j.processed = append(j.processed, name)
		if err := j.checkpoint(ctx); err != nil {
			return fmt.Errorf("taskengine: checkpoint after task %q: %w", name, err)
		}
	}

	j.finished = true
	return j.checkpoint(ctx)
}

// updateDependentTaskEvents flags every task directly dependent on
// processedTask as having received an event if any event that task
// just raised matches one of the dependent task's declared
// dependencies. Applied even when the task errored, so a partial
// raise still propagates (mirroring the original's unconditional
// _update_task_events call).
func (j *Job) updateDependentTaskEvents(processedTask string) {
	newEventNames := make(map[string]bool)
	for _, e := range j.events {
		newEventNames[e.Name] = true
	}
	for _, dep := range j.graph.DirectSuccessors(processedTask) {
		rt, ok := j.tasks[dep]
		if !ok || rt.eventReceived {
			continue
		}
		for _, depends := range rt.class.DependsOnEvents {
			if newEventNames[depends] {
				rt.eventReceived = true
				break
			}
		}
	}
}

func eventsFor(events []Event, depends []string) []Event {
	wanted := make(map[string]bool, len(depends))
	for _, d := range depends {
		wanted[d] = true
	}
	var out []Event
	for _, e := range events {
		if wanted[e.Name] {
			out = append(out, e)
		}
	}
	return out
}

func (j *Job) checkpoint(ctx context.Context) error {
	eventsJSON, err := json.Marshal(j.events)
	if err != nil {
		return err
	}
	var paramsJSON []byte
	if j.parameters != nil {
		paramsJSON, err = json.Marshal(j.parameters)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	return j.store.SaveRunningJob(ctx, &storage.RunningJob{
		ID:              j.ID,
		InitialTaskName: j.InitialTask,
		ParametersJSON:  string(paramsJSON),
		EventsJSON:      string(eventsJSON),
		ProcessedTasks:  append([]string(nil), j.processed...),
		Finished:        j.finished,
		UpdatedAt:       now,
	})
}
