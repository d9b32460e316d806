package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"mojarreria/kiosk/internal/report"
)

func TestRunOnceExecutesInRegistrationOrder(t *testing.T) {
	s := New(time.Minute, report.Noop{})
	var order []string

	s.AddTask(Task{Name: "first", Run: func(context.Context) error {
		order = append(order, "first")
		return nil
	}})
	s.AddTask(Task{Name: "second", Run: func(context.Context) error {
		order = append(order, "second")
		return nil
	}})

	s.RunOnce(context.Background())
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("wrong execution order: %v", order)
	}
}

func TestAddTaskReplacesByName(t *testing.T) {
	s := New(time.Minute, report.Noop{})
	ran := ""

	s.AddTask(Task{Name: "job", Run: func(context.Context) error {
		ran = "old"
		return nil
	}})
	s.AddTask(Task{Name: "job", Run: func(context.Context) error {
		ran = "new"
		return nil
	}})

	if got := len(s.TaskNames()); got != 1 {
		t.Fatalf("re-adding a name must replace, got %d tasks", got)
	}

	s.RunOnce(context.Background())
	if ran != "new" {
		t.Fatalf("expected the replacement task to run, got %q", ran)
	}
}

func TestPanickingTaskDoesNotStopSiblings(t *testing.T) {
	capture := &report.Capture{}
	s := New(time.Minute, capture)
	survived := false

	s.AddTask(Task{Name: "bad", Run: func(context.Context) error {
		panic("boom")
	}})
	s.AddTask(Task{Name: "good", Run: func(context.Context) error {
		survived = true
		return nil
	}})

	s.RunOnce(context.Background())
	if !survived {
		t.Fatal("a panicking task must not stop the rest of the tick")
	}
	if got := len(capture.ByScope("scheduler_task_panic")); got != 1 {
		t.Fatalf("expected one panic report, got %d", got)
	}
}

func TestFailingTaskDoesNotStopSiblings(t *testing.T) {
	s := New(time.Minute, report.Noop{})
	survived := false

	s.AddTask(Task{Name: "bad", Run: func(context.Context) error {
		return errors.New("task failed")
	}})
	s.AddTask(Task{Name: "good", Run: func(context.Context) error {
		survived = true
		return nil
	}})

	s.RunOnce(context.Background())
	if !survived {
		t.Fatal("a failing task must not stop the rest of the tick")
	}
}

func TestRemoveTaskAndClear(t *testing.T) {
	s := New(time.Minute, report.Noop{})
	s.AddTask(Task{Name: "a", Run: func(context.Context) error { return nil }})
	s.AddTask(Task{Name: "b", Run: func(context.Context) error { return nil }})

	s.RemoveTask("a")
	if names := s.TaskNames(); len(names) != 1 || names[0] != "b" {
		t.Fatalf("expected only b, got %v", names)
	}

	s.Clear()
	if got := len(s.TaskNames()); got != 0 {
		t.Fatalf("expected no tasks after clear, got %d", got)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s := New(5*time.Millisecond, report.Noop{})
	ticks := make(chan struct{}, 16)
	s.AddTask(Task{Name: "tick", Run: func(context.Context) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("scheduler never ticked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
