package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePreconditions map[string]bool

func (f fakePreconditions) Exists(ctx context.Context, name string) (bool, error) {
	return f[name], nil
}

func statusTask(name, queue string, calls *[]string, mu *sync.Mutex) Task {
	return Task{
		Name:  name,
		Queue: queue,
		Run: func(ctx context.Context, args ...string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			*calls = append(*calls, name)
			return name + ": ok", nil
		},
	}
}

func TestRunUnknownTask(t *testing.T) {
	require := require.New(t)

	r := NewRunner(fakePreconditions{})
	status, err := r.Run(context.Background(), "nope")
	require.ErrorIs(err, ErrUnknownTask)
	require.Equal("nope: unknown task", status)
}

func TestRunAbortsOnMissingPrerequisite(t *testing.T) {
	require := require.New(t)

	called := false
	r := NewRunner(fakePreconditions{"cve_load": true})
	r.Register(Task{
		Name:     "cve_update",
		Requires: []string{"cve_load", "cpe_load", "match_load"},
		Run: func(ctx context.Context, args ...string) (string, error) {
			called = true
			return "", nil
		},
	})

	status, err := r.Run(context.Background(), "cve_update")
	require.ErrorIs(err, ErrPrerequisiteMissing)
	require.Equal("cve_update: prerequisite cpe_load not registered - aborting", status)
	require.False(called)
}

func TestRunFailureStatus(t *testing.T) {
	require := require.New(t)

	r := NewRunner(fakePreconditions{})
	r.Register(
		Task{Name: "broken", Run: func(ctx context.Context, args ...string) (string, error) {
			return "", errors.New("upstream unavailable")
		}},
		Task{Name: "panics", Run: func(ctx context.Context, args ...string) (string, error) {
			panic("boom")
		}},
	)

	status, err := r.Run(context.Background(), "broken")
	require.Error(err)
	require.Equal("broken: failed: upstream unavailable", status)

	status, err = r.Run(context.Background(), "panics")
	require.Error(err)
	require.Equal("panics: failed: panic: boom", status)
}

func TestRunPassesArguments(t *testing.T) {
	require := require.New(t)

	r := NewRunner(fakePreconditions{})
	r.Register(Task{Name: "echo", Run: func(ctx context.Context, args ...string) (string, error) {
		return args[0] + "/" + args[1], nil
	}})

	status, err := r.Run(context.Background(), "echo", "1", "cpe:2.3:a:x:y:1:*:*:*:*:*:*:*")
	require.NoError(err)
	require.Equal("1/cpe:2.3:a:x:y:1:*:*:*:*:*:*:*", status)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	calls := []string{}
	r := NewRunner(fakePreconditions{})
	r.Register(
		statusTask("first", QueueCVELoad, &calls, &mu),
		Task{Name: "second", Run: func(ctx context.Context, args ...string) (string, error) {
			calls = append(calls, "second")
			return "", errors.New("rate limited")
		}},
		statusTask("third", QueueMatchLoad, &calls, &mu),
	)

	statuses, err := r.Chain(context.Background(), "first", "second", "third")
	require.Error(err)
	require.Equal([]string{"first: ok", "second: failed: rate limited"}, statuses)
	require.Equal([]string{"first", "second"}, calls)

	calls = nil
	statuses, err = r.Chain(context.Background(), "first", "third")
	require.NoError(err)
	require.Equal([]string{"first: ok", "third: ok"}, statuses)
}

func TestEnqueueRunsOnQueueWorkers(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	calls := []string{}
	r := NewRunner(fakePreconditions{})
	r.Register(
		statusTask("a", QueueDefault, &calls, &mu),
		statusTask("b", QueueDefault, &calls, &mu),
		statusTask("c", QueueCPELoad, &calls, &mu),
	)
	r.Start(context.Background())

	require.NoError(r.Enqueue("a"))
	require.NoError(r.Enqueue("b"))
	require.NoError(r.Enqueue("c"))
	require.ErrorIs(r.Enqueue("unknown"), ErrUnknownTask)
	r.Close()

	require.ElementsMatch([]string{"a", "b", "c"}, calls)
	require.Less(indexOf(calls, "a"), indexOf(calls, "b"))

	require.ErrorIs(r.Enqueue("a"), ErrRunnerClosed)
}

func TestEnqueueQueueFull(t *testing.T) {
	require := require.New(t)

	r := NewRunner(fakePreconditions{})
	r.Register(Task{Name: "idle", Run: func(ctx context.Context, args ...string) (string, error) {
		return "", nil
	}})

	for i := 0; i < queueCapacity; i++ {
		require.NoError(r.Enqueue("idle"))
	}
	require.ErrorIs(r.Enqueue("idle"), ErrQueueFull)
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}
