package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/pkg/config"
	"msgstore/pkg/engine"
)

type fakeStore struct {
	mu       sync.Mutex
	flushes  int
	compacts int
	flushErr error
	block    chan struct{}
	readOnly bool
}

func (f *fakeStore) Flush() error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeStore) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacts++
	return nil
}

func (f *fakeStore) DiskUsage() uint64 { return 1 << 20 }
func (f *fakeStore) ReadOnly() bool    { return f.readOnly }

func TestRunFlushesAndCompacts(t *testing.T) {
	fs := &fakeStore{}
	m := NewManager(context.Background(), fs, config.MaintenanceConfig{Compact: true})
	res, err := m.Run()
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.Equal(t, uint64(1<<20), res.DiskBefore)
	assert.Equal(t, 1, fs.flushes)
	assert.Equal(t, 1, fs.compacts)

	m = NewManager(context.Background(), fs, config.MaintenanceConfig{})
	_, err = m.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, fs.flushes)
	assert.Equal(t, 1, fs.compacts)
}

func TestRunReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(context.Background(), &fakeStore{flushErr: boom}, config.MaintenanceConfig{Compact: true})
	_, err := m.Run()
	assert.ErrorIs(t, err, boom)
}

func TestRunBusyAndTimeout(t *testing.T) {
	fs := &fakeStore{block: make(chan struct{})}
	m := NewManager(context.Background(), fs, config.MaintenanceConfig{
		Timeout: config.Duration(300 * time.Millisecond),
	})

	errs := make(chan error, 1)
	go func() {
		_, err := m.Run()
		errs <- err
	}()

	require.Eventually(t, func() bool {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.running
	}, time.Second, 5*time.Millisecond)

	_, err := m.Run()
	assert.ErrorIs(t, err, ErrBusy)

	assert.ErrorIs(t, <-errs, ErrTimeout)
	close(fs.block)
}

func TestStartDisabled(t *testing.T) {
	cancel, err := Start(context.Background(), &fakeStore{}, config.MaintenanceConfig{Enabled: false})
	require.NoError(t, err)
	cancel()

	cancel, err = Start(context.Background(), &fakeStore{readOnly: true}, config.MaintenanceConfig{Enabled: true, Cron: "* * * * *"})
	require.NoError(t, err)
	cancel()
}

func TestStartInvalidCron(t *testing.T) {
	_, err := Start(context.Background(), &fakeStore{}, config.MaintenanceConfig{Enabled: true, Cron: "not cron"})
	assert.Error(t, err)
}

func TestRunImmediateOnEngine(t *testing.T) {
	db, err := engine.Open(engine.Options{Path: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return tx.Set("c", "k", []byte("v"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := Start(ctx, db, config.MaintenanceConfig{Enabled: true, Cron: "0 3 * * *", Compact: true})
	require.NoError(t, err)
	defer stop()

	res, err := RunImmediate()
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.NotZero(t, res.DiskAfter)
}
