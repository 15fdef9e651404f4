//go:build !linux

package watcher

import (
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap"
)

type unsupported struct{}

func NewUdev(sysRoot, devRoot string, log *zap.Logger) DeviceWatcher { return unsupported{} }

func NewMount(path, devRoot string, interval time.Duration, log *zap.Logger) DeviceWatcher {
	return unsupported{}
}

func (unsupported) Start() (<-chan model.RawEvent, <-chan error, error) {
	return nil, nil, &model.NotificationChannelError{Err: ErrUnsupportedPlatform}
}

func (unsupported) Stop() {}
