package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

var (
	// ErrCycle is returned when the dependency relation is not acyclic.
	ErrCycle = errors.New("dependency cycle")
	// ErrOnlySelector is returned when --only does not match exactly one task.
	ErrOnlySelector = errors.New("must pass an exact path to a single task when using --only")
	// ErrDuplicateTask is returned when two tasks share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrRunAborted is returned to tasks that were still waiting when the run failed.
	ErrRunAborted = errors.New("run failed before task could start")
)

// DAG holds the tasks of one run, their dependency edges and their run status.
// Status entries are written once per transition by the worker owning the task.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Insertion order, for stable listings
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	status     map[string]TaskStatus
	errs       map[string]error
	done       map[string]chan struct{} // Closed when the task succeeds
	failed     chan struct{}            // Closed on the first task failure
	failOnce   sync.Once
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		status:     make(map[string]TaskStatus),
		errs:       make(map[string]error),
		done:       make(map[string]chan struct{}),
		failed:     make(chan struct{}),
	}
}

// NewDAGFromTasks builds a DAG from a collected task set.
func NewDAGFromTasks(tasks []*Task) (*DAG, error) {
	d := NewDAG()
	for _, t := range tasks {
		if err := d.AddTask(t); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddTask adds a task to the DAG. Returns ErrDuplicateTask if the ID already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)
	d.status[task.ID] = TaskPending
	d.done[task.ID] = make(chan struct{})

	for _, dep := range task.AllDiscoveredDeps {
		d.dependents[dep.ID] = append(d.dependents[dep.ID], task.ID)
	}

	return nil
}

// inRunDeps returns the IDs of task dependencies that are part of this run.
// Dependencies outside the run are satisfied externally. Caller holds d.mu.
func (d *DAG) inRunDeps(task *Task) []string {
	ids := make([]string, 0, len(task.AllDiscoveredDeps))
	for _, dep := range task.AllDiscoveredDeps {
		if _, ok := d.tasks[dep.ID]; ok && !slices.Contains(ids, dep.ID) {
			ids = append(ids, dep.ID)
		}
	}
	return ids
}

// Validate runs a topological sort using gammazero/toposort and returns the task IDs in
// dependency order, or an error wrapping ErrCycle.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var edges []toposort.Edge
	for _, taskID := range d.order {
		deps := d.inRunDeps(d.tasks[taskID])
		if len(deps) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// A cycle with no entry from nil drops its members instead of erroring
	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range d.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w between %s", ErrCycle, strings.Join(missing, ", "))
	}

	return order, nil
}

// Batches computes a batched topological order by repeatedly removing the frontier of
// tasks with no unfinished dependencies. Batch k holds every task whose in-run
// dependencies lie in batches 0..k-1. Batches are a scheduling hint only; the Runner
// re-checks real dependency status before starting each task.
func (d *DAG) Batches() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.tasks))
	var frontier []string
	for _, id := range d.order {
		n := len(d.inRunDeps(d.tasks[id]))
		inDegree[id] = n
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	var batches [][]string
	remaining := len(d.tasks)

	for remaining > 0 {
		if len(frontier) == 0 {
			var stuck []string
			for _, id := range d.order {
				if inDegree[id] > 0 {
					stuck = append(stuck, id)
				}
			}
			return nil, fmt.Errorf("%w between %s", ErrCycle, strings.Join(stuck, ", "))
		}

		slices.Sort(frontier)
		batches = append(batches, frontier)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			inDegree[id] = -1
			for _, dependent := range uniqueStrings(d.dependents[id]) {
				if inDegree[dependent] <= 0 {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	return batches, nil
}

// Only returns the single-task plan for the one task the selectors named exactly.
func (d *DAG) Only() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []string
	for _, id := range d.order {
		if d.tasks[id].ExactRefMatch {
			matches = append(matches, id)
		}
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w (%d exact matches)", ErrOnlySelector, len(matches))
	}
	return [][]string{{matches[0]}}, nil
}

// Subset returns a fresh DAG holding only the given tasks. Dependencies on tasks left
// out become external and count as satisfied.
func (d *DAG) Subset(ids []string) (*DAG, error) {
	d.mu.RLock()
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, ok := d.tasks[id]
		if !ok {
			d.mu.RUnlock()
			return nil, fmt.Errorf("task %q not found", id)
		}
		tasks = append(tasks, task)
	}
	d.mu.RUnlock()
	return NewDAGFromTasks(tasks)
}

// WaitForDependencies blocks until every in-run dependency of taskID has succeeded.
// It returns ErrRunAborted once any task in the run has failed.
func (d *DAG) WaitForDependencies(ctx context.Context, taskID string) error {
	d.mu.RLock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("task %q not found", taskID)
	}
	waits := make([]chan struct{}, 0, len(task.AllDiscoveredDeps))
	for _, depID := range d.inRunDeps(task) {
		waits = append(waits, d.done[depID])
	}
	d.mu.RUnlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-d.failed:
			return ErrRunAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-d.failed:
		return ErrRunAborted
	default:
		return nil
	}
}

// MarkRunning sets task status to TaskRunning.
func (d *DAG) MarkRunning(taskID string) error {
	return d.setStatus(taskID, TaskRunning, nil)
}

// MarkSucceeded sets task status to TaskSucceeded and releases its waiters.
func (d *DAG) MarkSucceeded(taskID string) error {
	if err := d.setStatus(taskID, TaskSucceeded, nil); err != nil {
		return err
	}
	d.mu.RLock()
	close(d.done[taskID])
	d.mu.RUnlock()
	return nil
}

// MarkFailed sets task status to TaskFailed and fails the run.
func (d *DAG) MarkFailed(taskID string, err error) error {
	if setErr := d.setStatus(taskID, TaskFailed, err); setErr != nil {
		return setErr
	}
	d.failOnce.Do(func() { close(d.failed) })
	return nil
}

// MarkSkipped records that a task was never started.
func (d *DAG) MarkSkipped(taskID string, err error) error {
	return d.setStatus(taskID, TaskSkipped, err)
}

func (d *DAG) setStatus(taskID string, status TaskStatus, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[taskID]; !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	d.status[taskID] = status
	if err != nil {
		d.errs[taskID] = err
	}
	return nil
}

// HasFailed reports whether any task in the run has failed.
func (d *DAG) HasFailed() bool {
	select {
	case <-d.failed:
		return true
	default:
		return false
	}
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	task, exists := d.tasks[taskID]
	return task, exists
}

// Status returns the run status and error of a task.
func (d *DAG) Status(taskID string) (TaskStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status[taskID], d.errs[taskID]
}

// Tasks returns all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, d.tasks[id])
	}
	return tasks
}

// Progress is a snapshot of status counts.
type Progress struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Progress counts tasks per status.
func (d *DAG) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := Progress{Total: len(d.tasks)}
	for _, s := range d.status {
		switch s {
		case TaskPending:
			p.Pending++
		case TaskRunning:
			p.Running++
		case TaskSucceeded:
			p.Succeeded++
		case TaskFailed:
			p.Failed++
		case TaskSkipped:
			p.Skipped++
		}
	}
	return p
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
