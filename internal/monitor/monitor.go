// Package monitor wires the enumerator, notifier and dispatcher into one
// USB storage monitor.
package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Hara602/usbmon/internal/config"
	"github.com/Hara602/usbmon/internal/dispatch"
	"github.com/Hara602/usbmon/internal/enumerate"
	"github.com/Hara602/usbmon/internal/identity"
	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/notifier"
	"github.com/Hara602/usbmon/internal/watcher"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("monitor already started")

// Option 依赖注入
type Option func(*Monitor)

// WithWatcher replaces the OS notification source.
func WithWatcher(w watcher.DeviceWatcher) Option {
	return func(m *Monitor) { m.watcher = w }
}

// WithCloser registers a resource released by Stop, after the last observer
// has returned.
func WithCloser(c io.Closer) Option {
	return func(m *Monitor) { m.closers = append(m.closers, c) }
}

// Monitor USB 存储设备监控
type Monitor struct {
	log      *zap.Logger
	resolver *identity.Resolver
	enum     *enumerate.Enumerator
	disp     *dispatch.Dispatcher
	notifier *notifier.Notifier
	watcher  watcher.DeviceWatcher
	closers  []io.Closer

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// New builds a Monitor from cfg. Nothing touches the system until Start or
// ListDevices is called.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Monitor {
	if cfg == nil {
		cfg = config.Default()
	}
	sys := cfg.System
	m := &Monitor{
		log:      log.Named("monitor"),
		resolver: &identity.Resolver{SysRoot: sys.SysRoot, DevRoot: sys.DevRoot, MountInfo: sys.MountInfo},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.watcher == nil {
		m.watcher = watcher.New(watcher.Options{
			SysRoot:           sys.SysRoot,
			DevRoot:           sys.DevRoot,
			MountInfo:         sys.MountInfo,
			MountPollInterval: time.Duration(cfg.Monitor.MountPollInterval),
		}, log)
	}

	m.enum = enumerate.New(m.resolver, log)
	m.disp = dispatch.New(cfg.Monitor.QueueDepth, log)
	m.notifier = notifier.New(m.watcher, m.resolver, m.disp, notifier.Options{
		RearmInitial:  time.Duration(cfg.Monitor.RearmInitial),
		RearmMax:      time.Duration(cfg.Monitor.RearmMax),
		RearmAttempts: cfg.Monitor.RearmAttempts,
		Lister:        m.enum,
	}, log)
	return m
}

// ListDevices 枚举当前接入的 USB 存储设备
func (m *Monitor) ListDevices(ctx context.Context) ([]model.DeviceDescriptor, error) {
	return m.enum.ListDevices(ctx)
}

// Subscribe registers a subscriber; see dispatch.Dispatcher.Subscribe.
func (m *Monitor) Subscribe(ctx context.Context, opts ...dispatch.SubscribeOption) *dispatch.Subscription {
	return m.disp.Subscribe(ctx, opts...)
}

// Attach delivers events to obs from its own goroutine.
func (m *Monitor) Attach(ctx context.Context, obs dispatch.Observer, opts ...dispatch.SubscribeOption) *dispatch.Subscription {
	return m.disp.Attach(ctx, obs, opts...)
}

// Devices returns the devices the notifier currently tracks.
func (m *Monitor) Devices() []model.DeviceDescriptor { return m.notifier.Devices() }

// Stats 分发统计
func (m *Monitor) Stats() dispatch.Stats { return m.disp.Stats() }

// Start enumerates the attached devices, seeds the notifier with them and
// starts watching in the background. The snapshot is returned so callers
// can render it before the first change arrives. Subscribe before Start to
// be sure not to miss an event.
func (m *Monitor) Start(ctx context.Context) ([]model.DeviceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return nil, ErrAlreadyStarted
	}

	devices, err := m.enum.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	m.notifier.Seed(devices)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	go func() {
		defer close(m.done)
		err := m.notifier.Run(runCtx)
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
	}()

	m.log.Info("🛡️ monitor started", zap.Int("devices", len(devices)))
	return devices, nil
}

// Wait blocks until the notification loop has ended and returns its error:
// nil after Stop or context cancellation, model.ErrMonitorFailed when the
// OS notification channel could not be re-armed.
func (m *Monitor) Wait() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Done is closed when the notification loop has ended.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop cancels the notification loop, waits for every attached observer to
// return and releases the registered closers. Stop is idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if started {
		cancel()
		<-m.done
	} else {
		m.disp.Close(nil)
	}
	m.disp.Wait()

	var err error
	for _, c := range m.closers {
		err = multierr.Append(err, c.Close())
	}
	m.mu.Lock()
	err = multierr.Combine(m.runErr, err)
	m.mu.Unlock()

	m.log.Info("monitor stopped", zap.Error(err))
	return err
}
