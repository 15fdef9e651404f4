// Package policy de-authorizes USB devices that are on the block list.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap"
)

// bogusSerials 常见的伪造/缺省序列号
var bogusSerials = map[string]bool{
	"000000000000":     true,
	"0123456789ABCDEF": true,
}

// Checker 黑名单查询
type Checker interface {
	IsBlocked(ctx context.Context, d model.DeviceDescriptor) (bool, string, error)
}

// Enforcer 在设备接入时执行黑名单策略
type Enforcer struct {
	sysRoot      string
	checker      Checker
	blockSuspect bool
	log          *zap.Logger
}

// New returns an Enforcer. checker may be nil, in which case only the
// built-in suspect rules apply.
func New(sysRoot string, checker Checker, blockSuspect bool, log *zap.Logger) *Enforcer {
	return &Enforcer{sysRoot: sysRoot, checker: checker, blockSuspect: blockSuspect, log: log.Named("policy")}
}

// Decide 判断设备是否应被阻断
func (e *Enforcer) Decide(ctx context.Context, d model.DeviceDescriptor) (bool, string, error) {
	if e.blockSuspect {
		if d.Suspect {
			return true, "storage and HID interfaces on one device", nil
		}
		if bogusSerials[d.ID] {
			return true, "placeholder serial number", nil
		}
	}
	if e.checker == nil {
		return false, "", nil
	}
	return e.checker.IsBlocked(ctx, d)
}

// OnStateChange 只处理 Attached 事件
func (e *Enforcer) OnStateChange(ev model.StateChangeEvent) {
	if ev.Kind != model.StateAttached {
		return
	}
	d := ev.Device
	block, reason, err := e.Decide(context.Background(), d)
	if err != nil {
		e.log.Error("policy check failed", zap.String("id", d.ID), zap.Error(err))
		return
	}
	if !block {
		return
	}
	if err := e.BlockDevice(d.BusID); err != nil {
		e.log.Error("🚨 failed to block device", zap.String("id", d.ID), zap.String("bus", d.BusID), zap.Error(err))
		return
	}
	e.log.Warn("🚫 device blocked", zap.String("id", d.ID), zap.String("bus", d.BusID), zap.String("reason", reason))
}

// BlockDevice 通过 Sysfs 禁用设备, busID 类似于 "1-1.2"
func (e *Enforcer) BlockDevice(busID string) error {
	if busID == "" || filepath.Base(busID) != busID {
		return fmt.Errorf("block failed: invalid bus id %q", busID)
	}
	// 路径: /sys/bus/usb/devices/1-1.2/authorized, 写入 "0" 代表物理层级禁用
	path := filepath.Join(e.sysRoot, "bus", "usb", "devices", busID, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return fmt.Errorf("block failed: %w", err)
	}
	return nil
}
