// Package enumerate lists the USB storage devices attached right now.
package enumerate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Hara602/usbmon/internal/identity"
	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/sysutil"
	"go.uber.org/zap"
)

// skipPrefixes 虚拟块设备，不可能是 USB 磁盘
var skipPrefixes = []string{"loop", "ram", "zram", "dm-", "md", "sr", "nbd"}

// Enumerator 扫描 /sys/block 得到当前已连接的 USB 存储设备
type Enumerator struct {
	resolver *identity.Resolver
	log      *zap.Logger
}

func New(resolver *identity.Resolver, log *zap.Logger) *Enumerator {
	return &Enumerator{resolver: resolver, log: log.Named("enumerate")}
}

// ListDevices returns a snapshot of attached USB storage devices sorted by ID.
// No devices yields an empty slice and a nil error.
func (e *Enumerator) ListDevices(ctx context.Context) ([]model.DeviceDescriptor, error) {
	blockDir := filepath.Join(e.resolver.SysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, &model.OsQueryError{Op: "read " + blockDir, Err: err}
	}

	mounts, err := sysutil.ReadMounts(e.resolver.MountInfo, e.resolver.DevRoot)
	if err != nil {
		return nil, &model.OsQueryError{Op: "read " + e.resolver.MountInfo, Err: err}
	}
	idx := sysutil.MountIndex(mounts)

	devices := make([]model.DeviceDescriptor, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if skip(name) {
			continue
		}

		desc, err := e.resolver.ResolveWithMounts(model.Handle{
			SysPath: filepath.Join(blockDir, name),
			DevNode: filepath.Join(e.resolver.DevRoot, name),
		}, idx)
		if err != nil {
			var unsupported *model.UnsupportedDeviceError
			if errors.As(err, &unsupported) && unsupported.Reason == model.ReasonNotUSB {
				continue
			}
			e.log.Warn("skipping device", zap.String("dev", name), zap.Error(err))
			continue
		}
		devices = append(devices, desc)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func skip(name string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
