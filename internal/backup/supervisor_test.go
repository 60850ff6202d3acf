package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-app/stevedore/internal/metrics"
	"github.com/stevedore-app/stevedore/internal/models"
)

// fakeRunner records run order and lets tests hold the slot open.
type fakeRunner struct {
	mu       sync.Mutex
	order    []string
	block    chan struct{}
	err      error
	panicOn  string
	registry *Registry
}

func (f *fakeRunner) Run(ctx context.Context, progressID, containerID string, scheduled bool) error {
	if f.block != nil {
		<-f.block
	}
	if f.panicOn != "" && f.panicOn == containerID {
		panic("engine crashed")
	}
	f.mu.Lock()
	f.order = append(f.order, containerID)
	f.mu.Unlock()

	if f.err != nil {
		f.registry.Fail(progressID, f.err)
		return f.err
	}
	f.registry.Complete(progressID, containerID+".tar.gz")
	return nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestSupervisor(t *testing.T, runner *fakeRunner) (*Supervisor, *Registry) {
	t.Helper()
	registry := NewRegistry()
	runner.registry = registry
	sup := NewSupervisor(runner, registry, metrics.NewNop(), zerolog.Nop())
	t.Cleanup(sup.Stop)
	return sup, registry
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestStartRunsImmediatelyWhenIdle(t *testing.T) {
	runner := &fakeRunner{}
	sup, _ := newTestSupervisor(t, runner)

	rec, err := sup.Start("c1", "web", false, false)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressStarting, rec.Status)

	waitFor(t, func() bool {
		snapshot, ok := sup.Progress(rec.ID)
		return ok && snapshot.Status == models.ProgressComplete
	})

	status := sup.Status()
	assert.False(t, status.SlotHeld)
	assert.Nil(t, status.Current)
	assert.Zero(t, status.QueueDepth)
}

func TestStartReturnsBusyWithDescriptor(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	sup, _ := newTestSupervisor(t, runner)

	_, err := sup.Start("c1", "web", false, false)
	require.NoError(t, err)

	_, err = sup.Start("c2", "db", false, false)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	require.NotNil(t, busy.Current)
	assert.Equal(t, "c1", busy.Current.ContainerID)
	assert.Equal(t, "web", busy.Current.ContainerName)

	close(runner.block)
}

func TestQueuedSubmissionsRunInFIFOOrder(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	sup, _ := newTestSupervisor(t, runner)

	first, err := sup.Start("c1", "a", false, false)
	require.NoError(t, err)

	var queued []models.ProgressRecord
	for _, id := range []string{"c2", "c3", "c4"} {
		rec, err := sup.Start(id, "", true, true)
		require.NoError(t, err)
		assert.Equal(t, models.ProgressQueued, rec.Status)
		queued = append(queued, rec)
	}
	assert.Equal(t, 3, sup.Status().QueueDepth)

	close(runner.block)

	waitFor(t, func() bool {
		rec, ok := sup.Progress(queued[2].ID)
		return ok && rec.Status.IsTerminal()
	})

	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, runner.ran())

	rec, ok := sup.Progress(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProgressComplete, rec.Status)
}

func TestProcessorSurvivesEngineErrors(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), err: errors.New("daemon exploded")}
	sup, _ := newTestSupervisor(t, runner)

	_, err := sup.Start("c1", "a", false, false)
	require.NoError(t, err)
	rec2, err := sup.Start("c2", "b", true, false)
	require.NoError(t, err)
	rec3, err := sup.Start("c3", "c", true, false)
	require.NoError(t, err)

	close(runner.block)

	waitFor(t, func() bool {
		r2, ok2 := sup.Progress(rec2.ID)
		r3, ok3 := sup.Progress(rec3.ID)
		return ok2 && ok3 && r2.Status.IsTerminal() && r3.Status.IsTerminal()
	})

	// All three ran despite every run failing, and the slot is free.
	assert.Equal(t, []string{"c1", "c2", "c3"}, runner.ran())
	assert.False(t, sup.Status().SlotHeld)
}

func TestProcessorCrashReleasesOnlyItsOwnSlot(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), panicOn: "boom"}
	sup, _ := newTestSupervisor(t, runner)

	_, err := sup.Start("c1", "a", false, false)
	require.NoError(t, err)
	_, err = sup.Start("boom", "b", true, false)
	require.NoError(t, err)

	close(runner.block)

	// The crash must leave the slot free, not unlock someone else's
	// acquisition, and the processor flag cleared for restart.
	waitFor(t, func() bool {
		sup.mu.Lock()
		crashed := !sup.processor
		sup.mu.Unlock()
		return crashed && !sup.Status().SlotHeld
	})

	rec, err := sup.Start("c2", "c", false, false)
	require.NoError(t, err)
	waitFor(t, func() bool {
		snapshot, ok := sup.Progress(rec.ID)
		return ok && snapshot.Status == models.ProgressComplete
	})
}

func TestProgressUnknownID(t *testing.T) {
	sup, _ := newTestSupervisor(t, &fakeRunner{})
	_, ok := sup.Progress("nope")
	assert.False(t, ok)
}

func TestRegistryStepsAreMonotonic(t *testing.T) {
	registry := NewRegistry()
	rec := registry.Create("c1", "web", false, models.ProgressStarting)

	registry.Step(rec.ID, 3, "exporting image")
	registry.Step(rec.ID, 2, "stale writer")

	snapshot, ok := registry.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 3, snapshot.CurrentStep)
	assert.Equal(t, "exporting image", snapshot.Step)
}

func TestRegistryEvictsOnlyAgedTerminalRecords(t *testing.T) {
	registry := NewRegistry()

	done := registry.Create("c1", "a", false, models.ProgressStarting)
	registry.Complete(done.ID, "a.tar.gz")
	live := registry.Create("c2", "b", false, models.ProgressStarting)

	// Age the terminal record past the eviction horizon.
	registry.mu.Lock()
	registry.records[done.ID].UpdatedAt = time.Now().UTC().Add(-25 * time.Hour)
	registry.mu.Unlock()

	assert.Equal(t, 1, registry.Evict())

	_, ok := registry.Get(done.ID)
	assert.False(t, ok)
	_, ok = registry.Get(live.ID)
	assert.True(t, ok)
}
