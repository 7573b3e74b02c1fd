package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"msgstore/pkg/config"
	"msgstore/pkg/logger"
)

// Store is the part of the engine a maintenance pass touches.
type Store interface {
	Flush() error
	Compact() error
	DiskUsage() uint64
	ReadOnly() bool
}

var (
	ErrNotStarted = errors.New("maintenance: manager not started")
	ErrBusy       = errors.New("maintenance: a pass is already running")
	ErrTimeout    = errors.New("maintenance: pass exceeded its timeout")
)

var (
	globalManager *Manager
	managerMutex  sync.Mutex
)

// Manager runs flush/compact passes on a cron schedule.
type Manager struct {
	store   Store
	cfg     config.MaintenanceConfig
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mutex   sync.Mutex
}

// Result describes one completed pass.
type Result struct {
	Compacted  bool
	DiskBefore uint64
	DiskAfter  uint64
	Took       time.Duration
}

func NewManager(ctx context.Context, store Store, cfg config.MaintenanceConfig) *Manager {
	ctx2, cancel := context.WithCancel(ctx)
	return &Manager{store: store, cfg: cfg, ctx: ctx2, cancel: cancel}
}

// Start schedules passes until ctx is done or the returned func is called.
// It is a no-op unless maintenance is enabled.
func Start(ctx context.Context, store Store, cfg config.MaintenanceConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}
	if store.ReadOnly() {
		logger.Warn("maintenance_disabled", "reason", "store is read-only")
		return func() {}, nil
	}
	if !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("maintenance: invalid cron %q", cfg.Cron)
	}

	m := NewManager(ctx, store, cfg)
	managerMutex.Lock()
	globalManager = m
	managerMutex.Unlock()

	logger.Info("maintenance_enabled", "cron", cfg.Cron, "compact", cfg.Compact)
	go m.scheduleLoop()
	return m.cancel, nil
}

// RunImmediate runs one pass on the manager Start created.
func RunImmediate() (Result, error) {
	managerMutex.Lock()
	m := globalManager
	managerMutex.Unlock()

	if m == nil {
		return Result{}, ErrNotStarted
	}
	return m.Run()
}

func (m *Manager) scheduleLoop() {
	for {
		now := time.Now()
		next, err := gronx.NextTickAfter(m.cfg.Cron, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			m.runJob()
			select {
			case <-time.After(time.Second):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			m.runJob()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) runJob() {
	if _, err := m.Run(); err != nil && !errors.Is(err, ErrBusy) {
		logger.Error("maintenance_run_error", "error", err)
	}
}

// Run performs one pass now. Concurrent calls get ErrBusy.
func (m *Manager) Run() (Result, error) {
	m.mutex.Lock()
	if m.running {
		m.mutex.Unlock()
		return Result{}, ErrBusy
	}
	m.running = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.running = false
		m.mutex.Unlock()
	}()

	return m.pass()
}

func (m *Manager) pass() (Result, error) {
	started := time.Now()
	res := Result{DiskBefore: m.store.DiskUsage()}
	logger.Info("maintenance_run_start", "disk", humanize.IBytes(res.DiskBefore), "compact", m.cfg.Compact)

	done := make(chan error, 1)
	go func() {
		if err := m.store.Flush(); err != nil {
			done <- fmt.Errorf("flush: %w", err)
			return
		}
		if m.cfg.Compact {
			if err := m.store.Compact(); err != nil {
				done <- fmt.Errorf("compact: %w", err)
				return
			}
		}
		done <- nil
	}()

	var timeout <-chan time.Time
	if d := m.cfg.Timeout.Duration(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			return res, err
		}
	case <-timeout:
		// the engine call cannot be interrupted; it finishes in the background
		logger.Warn("maintenance_run_timeout", "timeout", m.cfg.Timeout.Duration().String())
		return res, ErrTimeout
	case <-m.ctx.Done():
		return res, m.ctx.Err()
	}

	res.Compacted = m.cfg.Compact
	res.DiskAfter = m.store.DiskUsage()
	res.Took = time.Since(started)
	logger.Info("maintenance_run_done",
		"disk_before", humanize.IBytes(res.DiskBefore),
		"disk_after", humanize.IBytes(res.DiskAfter),
		"took", res.Took.String())
	return res, nil
}
