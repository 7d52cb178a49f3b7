package cache_test

import (
	"context"
	"sync"

	"github.com/Amund211/asyncrefresh/internal/executor"
)

// manualExecutor queues tasks until the test runs them
type manualExecutor struct {
	mu    sync.Mutex
	tasks []executor.Task
}

func (e *manualExecutor) Submit(task executor.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks = append(e.tasks, task)
	return nil
}

func (e *manualExecutor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.tasks)
}

// runAll runs queued tasks, including the ones they submit, until none remain
func (e *manualExecutor) runAll(ctx context.Context) int {
	ran := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return ran
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task(ctx)
		ran++
	}
}
