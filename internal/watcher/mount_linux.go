//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/sysutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMountPollInterval 挂载表没有 POLLPRI 通知时的兜底重扫间隔
const DefaultMountPollInterval = 2 * time.Second

type mountWatcher struct {
	path     string
	devRoot  string
	interval time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	wake int // write end of the wake pipe, wakes a blocked poll on Stop
}

// NewMount 监听挂载表变化 (/proc/self/mountinfo 在变化时触发 POLLPRI)
func NewMount(path, devRoot string, interval time.Duration, log *zap.Logger) DeviceWatcher {
	if interval <= 0 {
		interval = DefaultMountPollInterval
	}
	return &mountWatcher{path: path, devRoot: devRoot, interval: interval, log: log.Named("mounts")}
}

func (w *mountWatcher) Start() (<-chan model.RawEvent, <-chan error, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, nil, &model.NotificationChannelError{Err: err}
	}
	prev, err := w.read(f)
	if err != nil {
		f.Close()
		return nil, nil, &model.NotificationChannelError{Err: err}
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		f.Close()
		return nil, nil, &model.NotificationChannelError{Err: fmt.Errorf("wake pipe: %w", err)}
	}
	stop := make(chan struct{})
	w.mu.Lock()
	w.stop = stop
	w.wake = pipe[1]
	w.mu.Unlock()

	events := make(chan model.RawEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer f.Close()
		defer unix.Close(pipe[0])

		timeout := int(w.interval / time.Millisecond)
		for {
			fds := []unix.PollFd{
				{Fd: int32(f.Fd()), Events: unix.POLLPRI | unix.POLLERR},
				{Fd: int32(pipe[0]), Events: unix.POLLIN},
			}
			_, err := unix.Poll(fds, timeout)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				w.report(errs, &model.NotificationChannelError{Err: fmt.Errorf("poll mountinfo: %w", err)})
				return
			}
			if fds[1].Revents != 0 {
				return
			}

			cur, err := w.read(f)
			if err != nil {
				w.report(errs, &model.NotificationChannelError{Err: err})
				return
			}
			for _, raw := range diffMounts(prev, cur) {
				events <- raw
			}
			prev = cur
		}
	}()
	return events, errs, nil
}

func (w *mountWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop == nil {
		return
	}
	close(w.stop)
	w.stop = nil
	_, _ = unix.Write(w.wake, []byte{1})
	unix.Close(w.wake)
	w.wake = -1
}

func (w *mountWatcher) read(f *os.File) ([]sysutil.Mount, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", w.path, err)
	}
	return sysutil.ParseMountInfo(f, w.devRoot)
}

func (w *mountWatcher) report(errs chan<- error, err error) {
	w.log.Warn("mount watcher stopped", zap.Error(err))
	select {
	case errs <- err:
	default:
	}
}

// diffMounts 先报告卸载，再报告新挂载，各自保持挂载表中的顺序
func diffMounts(prev, cur []sysutil.Mount) []model.RawEvent {
	type key struct{ source, point string }
	inPrev := make(map[key]bool, len(prev))
	for _, m := range prev {
		inPrev[key{m.Source, m.MountPoint}] = true
	}
	inCur := make(map[key]bool, len(cur))
	for _, m := range cur {
		inCur[key{m.Source, m.MountPoint}] = true
	}

	now := time.Now()
	var out []model.RawEvent
	for _, m := range prev {
		if !inCur[key{m.Source, m.MountPoint}] {
			out = append(out, model.RawEvent{Action: model.RawUnmount, MountPoint: m.MountPoint, Handle: model.Handle{DevNode: m.Source}, Time: now})
		}
	}
	for _, m := range cur {
		if !inPrev[key{m.Source, m.MountPoint}] {
			out = append(out, model.RawEvent{Action: model.RawMount, MountPoint: m.MountPoint, Handle: model.Handle{DevNode: m.Source}, Time: now})
		}
	}
	return out
}
