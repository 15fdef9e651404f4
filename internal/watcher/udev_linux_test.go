//go:build linux

package watcher

import (
	"testing"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestUdevWatcher_StopReleasesMonitor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := NewUdev("/sys", "/dev", zaptest.NewLogger(t))
	events, _, err := w.Start()
	if err != nil {
		t.Skipf("udev netlink socket unavailable: %v", err)
	}
	w.Stop()
	for range events {
	}
}

func TestTranslateUEvent(t *testing.T) {
	tests := []struct {
		name   string
		event  netlink.UEvent
		ok     bool
		action model.RawAction
	}{
		{
			name: "disk add",
			event: netlink.UEvent{Action: netlink.ADD, KObj: "/devices/x/block/sdb", Env: map[string]string{
				"SUBSYSTEM": "block", "DEVTYPE": "disk", "DEVNAME": "sdb", "DEVPATH": "/devices/x/block/sdb",
				"ID_SERIAL_SHORT": "XYZ9",
			}},
			ok:     true,
			action: model.RawAdd,
		},
		{
			name: "partition remove",
			event: netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{
				"SUBSYSTEM": "block", "DEVTYPE": "partition", "DEVNAME": "/dev/sdb1", "DEVPATH": "/devices/x/block/sdb/sdb1",
			}},
			ok:     true,
			action: model.RawRemove,
		},
		{
			name: "usb interface",
			event: netlink.UEvent{Action: netlink.ADD, Env: map[string]string{
				"SUBSYSTEM": "usb", "DEVTYPE": "usb_interface",
			}},
		},
		{
			name: "scsi generic",
			event: netlink.UEvent{Action: netlink.ADD, Env: map[string]string{
				"SUBSYSTEM": "block", "DEVTYPE": "whatever",
			}},
		},
		{
			name: "bind",
			event: netlink.UEvent{Action: netlink.BIND, Env: map[string]string{
				"SUBSYSTEM": "block", "DEVTYPE": "disk",
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := translateUEvent(tt.event, "/sys", "/dev")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if raw.Action != tt.action {
				t.Errorf("action = %v, want %v", raw.Action, tt.action)
			}
			if raw.SysPath != "/sys"+tt.event.Env["DEVPATH"] {
				t.Errorf("sys path = %q", raw.SysPath)
			}
			if raw.DevNode == "" || raw.DevNode[:5] != "/dev/" {
				t.Errorf("dev node = %q, want /dev prefix", raw.DevNode)
			}
			if raw.Env["DEVTYPE"] != tt.event.Env["DEVTYPE"] {
				t.Errorf("env not copied: %v", raw.Env)
			}
		})
	}
}
