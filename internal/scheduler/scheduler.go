// Package scheduler runs named periodic tasks on a shared ticker. Tasks
// are executed sequentially within a tick; a panicking or failing task is
// reported and never takes down its siblings or the loop.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"mojarreria/kiosk/internal/report"
)

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	reporter report.Reporter
	tasks    []Task
}

func New(interval time.Duration, reporter report.Reporter) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if reporter == nil {
		reporter = report.Noop{}
	}
	return &Scheduler{interval: interval, reporter: reporter}
}

// AddTask registers a task under its name. Re-adding a name replaces the
// previous task in place, keeping its position in the run order.
func (s *Scheduler) AddTask(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].Name == task.Name {
			s.tasks[i] = task
			return
		}
	}
	s.tasks = append(s.tasks, task)
}

func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].Name == name {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
}

func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for _, task := range s.tasks {
		names = append(names, task.Name)
	}
	return names
}

// RunOnce executes every registered task once, in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.reporter.Report(fmt.Errorf("task panic: %v", r), report.Context{
				Scope: "scheduler_task_panic",
				Extra: map[string]any{"task": task.Name},
			})
		}
	}()

	if err := task.Run(ctx); err != nil {
		log.Printf("[scheduler] task %s failed: %v", task.Name, err)
	}
}

// Start ticks until ctx is cancelled. Blocking; run in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
