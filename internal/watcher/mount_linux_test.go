//go:build linux

package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/sysutil"
	"go.uber.org/zap/zaptest"
)

func TestDiffMounts(t *testing.T) {
	prev := []sysutil.Mount{
		{Source: "/dev/sdb1", MountPoint: "/media/a"},
		{Source: "/dev/sdc1", MountPoint: "/media/c"},
	}
	cur := []sysutil.Mount{
		{Source: "/dev/sdc1", MountPoint: "/media/c"},
		{Source: "/dev/sdd1", MountPoint: "/media/d"},
	}
	got := diffMounts(prev, cur)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Action != model.RawUnmount || got[0].DevNode != "/dev/sdb1" {
		t.Errorf("first = %v %s, want unmount /dev/sdb1", got[0].Action, got[0].DevNode)
	}
	if got[1].Action != model.RawMount || got[1].DevNode != "/dev/sdd1" || got[1].MountPoint != "/media/d" {
		t.Errorf("second = %v %s %s, want mount /dev/sdd1", got[1].Action, got[1].DevNode, got[1].MountPoint)
	}
	if len(diffMounts(cur, cur)) != 0 {
		t.Error("identical tables produced events")
	}
}

func writeMountInfo(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := "22 1 0:21 / /proc rw - proc proc rw\n"
	for _, l := range lines {
		content += l + "\n"
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestMountWatcher_ReportsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mountinfo")
	writeMountInfo(t, path)

	w := NewMount(path, "/dev", 10*time.Millisecond, zaptest.NewLogger(t))
	events, _, err := w.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	// the watcher holds the original inode open, so rewrite in place
	content := "22 1 0:21 / /proc rw - proc proc rw\n40 25 8:17 / /media/usb rw - vfat /dev/sdb1 rw\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Action != model.RawMount || ev.DevNode != "/dev/sdb1" || ev.MountPoint != "/media/usb" {
			t.Errorf("got %v %s %s, want mount of /dev/sdb1", ev.Action, ev.DevNode, ev.MountPoint)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no mount event")
	}
}

func TestMountWatcher_StopIsImmediate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mountinfo")
	writeMountInfo(t, path)

	w := NewMount(path, "/dev", time.Hour, zaptest.NewLogger(t))
	events, _, err := w.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed promptly after Stop")
	}
}

func TestMountWatcher_StopDeliversPendingChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mountinfo")
	writeMountInfo(t, path)

	w := NewMount(path, "/dev", 10*time.Millisecond, zaptest.NewLogger(t))
	events, _, err := w.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	content := "22 1 0:21 / /proc rw - proc proc rw\n40 25 8:17 / /media/usb rw - vfat /dev/sdb1 rw\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// 等待下一次重扫发现变化，此时没有人读 events
	time.Sleep(200 * time.Millisecond)
	w.Stop()

	var got []model.RawEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(got) != 1 || got[0].Action != model.RawMount || got[0].DevNode != "/dev/sdb1" {
					t.Errorf("events after stop = %+v, want mount of /dev/sdb1", got)
				}
				return
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("events channel not closed after Stop")
		}
	}
}

func TestMountWatcher_StartFailure(t *testing.T) {
	w := NewMount(filepath.Join(t.TempDir(), "missing"), "/dev", 0, zaptest.NewLogger(t))
	_, _, err := w.Start()
	var nce *model.NotificationChannelError
	if !errors.As(err, &nce) {
		t.Fatalf("err = %v, want NotificationChannelError", err)
	}
}
