// Package watcher turns OS hot-plug and mount-table notifications into
// model.RawEvent streams.
package watcher

import (
	"errors"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap"
)

// ErrUnsupportedPlatform is returned by Start on platforms without a backend.
var ErrUnsupportedPlatform = errors.New("device watching is not supported on this platform")

// DeviceWatcher 定义接口
//
// Start arms the OS notification source. The event channel is closed when the
// watcher stops, either through Stop or because the source failed; transient
// errors are reported on the error channel. A stopped watcher may be started
// again.
//
// Events already received from the OS when Stop is called are still
// delivered, so after Stop the consumer must keep reading the event channel
// until it is closed.
type DeviceWatcher interface {
	Start() (<-chan model.RawEvent, <-chan error, error)
	Stop()
}

// Options 系统路径配置
type Options struct {
	SysRoot           string
	DevRoot           string
	MountInfo         string
	MountPollInterval time.Duration
}

// New returns the platform watcher: udev block events merged with mount
// table changes.
func New(opts Options, log *zap.Logger) DeviceWatcher {
	return Combine(
		NewUdev(opts.SysRoot, opts.DevRoot, log),
		NewMount(opts.MountInfo, opts.DevRoot, opts.MountPollInterval, log),
	)
}
