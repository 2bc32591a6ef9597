// Package taskgraph runs a set of named tasks with dependency edges, starting
// each task as soon as every task it depends on has finished.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateTask = errors.New("duplicate task")
	ErrUnknownDep    = errors.New("unknown dependency")
	ErrCycle         = errors.New("dependency cycle")
)

type Task struct {
	Name string
	Deps []string
	Run  func(ctx context.Context) error
}

type Graph struct {
	Tasks []Task
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Result is the outcome of one task. FailedDeps lists dependencies that did
// not succeed; the task still ran.
type Result struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	FailedDeps []string      `json:"failed_deps,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`

	Err error `json:"-"`
}

// Validate checks for duplicate names, dangling dependencies and cycles.
func (g Graph) Validate() error {
	_, err := g.Order()
	return err
}

// Order returns task names in a dependency-respecting order, ties broken by
// declaration order.
func (g Graph) Order() ([]string, error) {
	index := make(map[string]int, len(g.Tasks))
	for i, t := range g.Tasks {
		if _, ok := index[t.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		index[t.Name] = i
	}

	inDegree := make([]int, len(g.Tasks))
	dependents := make([][]int, len(g.Tasks))
	for i, t := range g.Tasks {
		for _, dep := range t.Deps {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDep, t.Name, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]string, 0, len(g.Tasks))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, g.Tasks[i].Name)
		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(order) != len(g.Tasks) {
		var stuck []string
		for i, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, g.Tasks[i].Name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Run executes the graph. parallelism bounds concurrently running tasks; zero
// or less means unbounded. A failed task never cancels its siblings, and its
// dependents still start once it has finished. onDone, if non-nil, is called
// from the scheduling goroutine after each task. Results are returned in
// declaration order; the only error is an invalid graph.
func (g Graph) Run(ctx context.Context, parallelism int, onDone func(Result)) ([]Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(g.Tasks))
	for i, t := range g.Tasks {
		index[t.Name] = i
	}
	remaining := make([]int, len(g.Tasks))
	dependents := make([][]int, len(g.Tasks))
	for i, t := range g.Tasks {
		remaining[i] = len(t.Deps)
		for _, dep := range t.Deps {
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	var eg errgroup.Group
	if parallelism > 0 {
		eg.SetLimit(parallelism)
	}

	results := make([]Result, len(g.Tasks))
	done := make(chan int, len(g.Tasks))
	start := func(i int) {
		var failedDeps []string
		for _, dep := range g.Tasks[i].Deps {
			if results[index[dep]].Status != StatusSucceeded {
				failedDeps = append(failedDeps, dep)
			}
		}
		eg.Go(func() error {
			res := runTask(ctx, g.Tasks[i])
			res.FailedDeps = failedDeps
			results[i] = res
			done <- i
			return nil
		})
	}

	for i := range g.Tasks {
		if remaining[i] == 0 {
			start(i)
		}
	}
	for finished := 0; finished < len(g.Tasks); finished++ {
		i := <-done
		if onDone != nil {
			onDone(results[i])
		}
		for _, d := range dependents[i] {
			remaining[d]--
			if remaining[d] == 0 {
				start(d)
			}
		}
	}
	eg.Wait()
	return results, nil
}

func runTask(ctx context.Context, t Task) (res Result) {
	res = Result{Name: t.Name, StartedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
		}
		res.Duration = time.Since(res.StartedAt)
		switch {
		case res.Err == nil:
			res.Status = StatusSucceeded
		case errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded):
			res.Status = StatusCanceled
			res.Error = res.Err.Error()
		default:
			res.Status = StatusFailed
			res.Error = res.Err.Error()
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Err = t.Run(ctx)
	return res
}
