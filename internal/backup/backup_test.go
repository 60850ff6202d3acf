package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/storage"
)

type fakeAuditStore struct {
	logs []*models.AuditLog
}

func (f *fakeAuditStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func TestNextRunDaily(t *testing.T) {
	sched := &models.Schedule{ScheduleType: models.ScheduleDaily, Hour: 2, Lifecycle: 3}

	// Before the hour: today.
	now := time.Date(2024, 3, 15, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC), NextRun(now, sched))

	// After the hour: tomorrow.
	now = time.Date(2024, 3, 15, 2, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC), NextRun(now, sched))

	// Exactly at the hour counts as passed.
	now = time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC), NextRun(now, sched))
}

func TestNextRunWeekly(t *testing.T) {
	// 2024-03-15 is a Friday (weekday 5).
	tests := []struct {
		name      string
		dayOfWeek int
		now       time.Time
		want      time.Time
	}{
		{
			name:      "later this week",
			dayOfWeek: 6, // Saturday
			now:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
			want:      time.Date(2024, 3, 16, 3, 0, 0, 0, time.UTC),
		},
		{
			name:      "sunday origin wraps to next week",
			dayOfWeek: 0, // Sunday=0 external calendar
			now:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
			want:      time.Date(2024, 3, 17, 3, 0, 0, 0, time.UTC),
		},
		{
			name:      "today but hour passed advances seven days",
			dayOfWeek: 5, // Friday
			now:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
			want:      time.Date(2024, 3, 22, 3, 0, 0, 0, time.UTC),
		},
		{
			name:      "today and hour still ahead",
			dayOfWeek: 5,
			now:       time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC),
			want:      time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &models.Schedule{
				ScheduleType: models.ScheduleWeekly,
				Hour:         3,
				DayOfWeek:    tt.dayOfWeek,
				Lifecycle:    3,
			}
			assert.Equal(t, tt.want, NextRun(tt.now, sched))
		})
	}
}

func newTestManager(t *testing.T) *storage.Manager {
	t.Helper()
	local := storage.NewLocal(t.TempDir(), t.TempDir(), zerolog.Nop())
	return storage.NewManager(local, zerolog.Nop())
}

// seedArchive drops an empty file with a controlled mtime into the store.
func seedArchive(t *testing.T, m *storage.Manager, filename string, age time.Duration) {
	t.Helper()
	path := m.Local().Path(filename)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestRetentionKeepsLifecycleNewest(t *testing.T) {
	manager := newTestManager(t)
	audit := &fakeAuditStore{}
	retention := NewRetention(manager, audit, zerolog.Nop())

	seedArchive(t, manager, "scheduled_web_20240101_020000.tar.gz", 96*time.Hour)
	seedArchive(t, manager, "scheduled_web_20240102_020000.tar.gz", 72*time.Hour)
	seedArchive(t, manager, "scheduled_web_20240103_020000.tar.gz", 48*time.Hour)
	seedArchive(t, manager, "scheduled_web_20240104_020000.tar.gz", 24*time.Hour)

	pruned, err := retention.Prune(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	listings, err := manager.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "scheduled_web_20240104_020000.tar.gz", listings[0].Filename)
	assert.Equal(t, "scheduled_web_20240103_020000.tar.gz", listings[1].Filename)

	// One audit row per pruned file.
	assert.Len(t, audit.logs, 2)
	assert.Equal(t, models.AuditActionPrune, audit.logs[0].Action)
}

func TestRetentionIgnoresManualArchives(t *testing.T) {
	manager := newTestManager(t)
	retention := NewRetention(manager, &fakeAuditStore{}, zerolog.Nop())

	seedArchive(t, manager, "web_20240101_020000.tar.gz", 96*time.Hour)
	seedArchive(t, manager, "web_20240102_020000.tar.gz", 72*time.Hour)
	seedArchive(t, manager, "scheduled_web_20240103_020000.tar.gz", 48*time.Hour)

	pruned, err := retention.Prune(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestRetentionGroupsUnderscoredNames(t *testing.T) {
	manager := newTestManager(t)
	retention := NewRetention(manager, &fakeAuditStore{}, zerolog.Nop())

	// my_app_db and my_app are distinct containers.
	seedArchive(t, manager, "scheduled_my_app_db_20240101_020000.tar.gz", 72*time.Hour)
	seedArchive(t, manager, "scheduled_my_app_db_20240102_020000.tar.gz", 48*time.Hour)
	seedArchive(t, manager, "scheduled_my_app_20240101_020000.tar.gz", 72*time.Hour)

	pruned, err := retention.Prune(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	listings, err := manager.List(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(listings))
	for _, l := range listings {
		names = append(names, l.Filename)
	}
	assert.Contains(t, names, "scheduled_my_app_db_20240102_020000.tar.gz")
	assert.Contains(t, names, "scheduled_my_app_20240101_020000.tar.gz")
}

func TestRetentionRejectsNonPositiveLifecycle(t *testing.T) {
	retention := NewRetention(newTestManager(t), &fakeAuditStore{}, zerolog.Nop())
	_, err := retention.Prune(context.Background(), 0)
	assert.Error(t, err)
}

func TestDeriveSubnet(t *testing.T) {
	tests := []struct {
		gateway   string
		prefixLen int
		want      string
	}{
		{"172.20.0.1", 16, "172.20.0.0/16"},
		{"192.168.5.1", 24, "192.168.5.0/24"},
		{"10.1.2.3", 8, "10.0.0.0/8"},
		{"not-an-ip", 16, ""},
		{"172.20.0.1", 0, ""},
		{"172.20.0.1", 33, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deriveSubnet(tt.gateway, tt.prefixLen), tt.gateway)
	}
}

func TestVolumeConflictError(t *testing.T) {
	err := &VolumeConflictError{Volumes: []string{"appdata", "dbdata"}}
	assert.Equal(t, "volumes already exist: appdata, dbdata", err.Error())
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "web", nameOf([]string{"--name", "web", "nginx"}))
	assert.Equal(t, "", nameOf([]string{"nginx"}))
}

func TestBindArchiveName(t *testing.T) {
	assert.Equal(t, "bind_var_lib_data_data.tar.gz", bindArchiveName("/var/lib/data"))
	assert.Equal(t, "bind_root_data.tar.gz", bindArchiveName("/"))
}

func TestIsDefaultNetwork(t *testing.T) {
	for _, name := range []string{"bridge", "host", "none", "docker_gwbridge", "ingress"} {
		assert.True(t, isDefaultNetwork(name), name)
	}
	assert.False(t, isDefaultNetwork("appnet"))
}

func TestNetworkOptionsFromInspect(t *testing.T) {
	doc := map[string]any{
		"Driver": "overlay",
		"IPAM": map[string]any{
			"Config": []any{
				map[string]any{"Subnet": "172.20.0.0/16", "Gateway": "172.20.0.1"},
			},
		},
	}

	opts := networkOptionsFromInspect(doc)
	assert.Equal(t, "overlay", opts.Driver)
	assert.Equal(t, "172.20.0.0/16", opts.Subnet)
	assert.Equal(t, "172.20.0.1", opts.Gateway)

	// Missing IPAM falls back to a bare bridge network.
	opts = networkOptionsFromInspect(map[string]any{})
	assert.Equal(t, "bridge", opts.Driver)
	assert.Empty(t, opts.Subnet)
}

func TestNetworkRestoreReadsFlatDocument(t *testing.T) {
	dir := t.TempDir()
	n := NewNetworks(nil, dir, "host1", zerolog.Nop())

	// The on-disk form is the inspect document itself, so the network name
	// sits at the top-level "Name" key.
	doc := map[string]any{"Name": "bridge", "Driver": "bridge", "server_name": "host1"}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network_bridge_20240101_020000.json"), data, 0o644))

	_, err = n.Restore(context.Background(), "network_bridge_20240101_020000.json")
	assert.ErrorIs(t, err, ErrDefaultNetwork)

	// A nested layout has no top-level Name and is rejected outright.
	nested := []byte(`{"inspect":{"Name":"appnet"},"server_name":"host1"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network_appnet_20240101_020000.json"), nested, 0o644))
	_, err = n.Restore(context.Background(), "network_appnet_20240101_020000.json")
	assert.Error(t, err)
}

func TestSealAndVerify(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(work+"/backup_metadata.json", []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(work+"/container_config.json", []byte("{}"), 0o644))

	path := t.TempDir() + "/web_20240101_020000.tar.gz"
	require.NoError(t, sealAndVerify(context.Background(), path, work))
	assert.FileExists(t, path)
}

func TestSealAndVerifyRejectsIncompleteArchive(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(work+"/backup_metadata.json", []byte("{}"), 0o644))

	path := t.TempDir() + "/web_20240101_020000.tar.gz"
	err := sealAndVerify(context.Background(), path, work)
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

type fakeScheduleStore struct {
	sched *models.Schedule
	saved int
}

func (f *fakeScheduleStore) GetSchedule(context.Context) (*models.Schedule, error) {
	if f.sched == nil {
		return nil, db.ErrScheduleNotFound
	}
	return f.sched, nil
}

func (f *fakeScheduleStore) SaveSchedule(_ context.Context, sched *models.Schedule) error {
	f.sched = sched
	f.saved++
	return nil
}

func TestSchedulerRemoveContainer(t *testing.T) {
	store := &fakeScheduleStore{sched: &models.Schedule{
		ScheduleType:       models.ScheduleDaily,
		Hour:               2,
		Lifecycle:          3,
		SelectedContainers: []string{"c1", "c2"},
	}}
	retention := NewRetention(newTestManager(t), &fakeAuditStore{}, zerolog.Nop())
	sched := NewScheduler(store, nil, retention, zerolog.Nop())

	require.NoError(t, sched.RemoveContainer(context.Background(), "c1"))
	assert.Equal(t, []string{"c2"}, store.sched.SelectedContainers)
	assert.NotNil(t, store.sched.NextRun)

	require.NoError(t, sched.RemoveContainer(context.Background(), "c2"))
	assert.Empty(t, store.sched.SelectedContainers)
	assert.Nil(t, store.sched.NextRun)

	// Removing an unknown container is a no-op.
	saved := store.saved
	require.NoError(t, sched.RemoveContainer(context.Background(), "ghost"))
	assert.Equal(t, saved, store.saved)
}

func TestSchedulerRemoveContainerNoSchedule(t *testing.T) {
	sched := NewScheduler(&fakeScheduleStore{}, nil, nil, zerolog.Nop())
	assert.NoError(t, sched.RemoveContainer(context.Background(), "c1"))
}

// stuckSubmitter accepts every submission and reports it as forever running,
// so a batch monitor can only drain via its own timeout.
type stuckSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (s *stuckSubmitter) Start(containerID, containerName string, queueIfBusy, scheduled bool) (models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return models.ProgressRecord{ID: "p-" + containerID, Status: models.ProgressQueued}, nil
}

func (s *stuckSubmitter) Progress(id string) (models.ProgressRecord, bool) {
	return models.ProgressRecord{ID: id, Status: models.ProgressRunning}, true
}

func (s *stuckSubmitter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls > 0
}

func TestSchedulerStopDoesNotWaitForBatchMonitor(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	store := &fakeScheduleStore{sched: &models.Schedule{
		ScheduleType:       models.ScheduleDaily,
		Hour:               2,
		Lifecycle:          3,
		SelectedContainers: []string{"c1"},
		NextRun:            &past,
	}}
	sub := &stuckSubmitter{}
	retention := NewRetention(newTestManager(t), &fakeAuditStore{}, zerolog.Nop())

	s := NewScheduler(store, sub, retention, zerolog.Nop())
	s.batchTimeout = 2 * time.Second
	s.pollInterval = 10 * time.Millisecond

	s.Start()
	waitFor(t, sub.started)

	// A batch monitor is in flight and can only finish via its timeout;
	// Stop must return well before that.
	begin := time.Now()
	s.Stop()
	assert.Less(t, time.Since(begin), time.Second)

	// Let the abandoned monitor drain before temp dirs are cleaned up.
	s.monitors.Wait()
}
