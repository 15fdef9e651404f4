package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap/zaptest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "journal.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var xyz = model.DeviceDescriptor{ID: "XYZ9", Label: "DATA", DevNode: "/dev/sdc", Capacity: 16000000000, VendorID: "0781", ProductID: "5581"}

func TestRecordAndHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	kinds := []model.StateKind{model.StateAttached, model.StateMounted, model.StateUnmounted, model.StateDetached}
	for i, k := range kinds {
		d := xyz
		if k == model.StateMounted {
			d = d.WithMount("/dev/sdc1", "/media/data")
		}
		if err := s.Record(ctx, model.StateChangeEvent{Kind: k, Device: d, Time: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	s.OnStateChange(model.StateChangeEvent{Kind: model.StateAttached, Device: model.DeviceDescriptor{ID: "OTHER"}, Time: base})

	entries, err := s.History(ctx, "XYZ9", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i, e := range entries {
		if e.Kind != kinds[i].String() {
			t.Errorf("entry %d kind = %s, want %s", i, e.Kind, kinds[i])
		}
		if !e.Time.Equal(base.Add(time.Duration(i) * time.Second)) {
			t.Errorf("entry %d time = %v", i, e.Time)
		}
	}
	if entries[1].MountPath != "/media/data" {
		t.Errorf("mount path = %q", entries[1].MountPath)
	}
	if entries[0].Capacity != 16000000000 {
		t.Errorf("capacity = %d", entries[0].Capacity)
	}

	last, err := s.History(ctx, "XYZ9", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(last) != 2 || last[0].Kind != "Unmounted" || last[1].Kind != "Detached" {
		t.Errorf("limited history = %+v, want last two in order", last)
	}
}

func TestRecord_DegradedEvent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ev := model.StateChangeEvent{
		Kind:   model.StateUnknown,
		Device: model.DeviceDescriptor{DevNode: "/dev/sdd"},
		Time:   time.Now(),
		Err:    errors.New("no serial"),
	}
	if err := s.Record(ctx, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := s.History(ctx, "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Err != "no serial" || entries[0].Kind != "Unknown" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestBlockList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	blocked, _, err := s.IsBlocked(ctx, xyz)
	if err != nil || blocked {
		t.Fatalf("IsBlocked on empty list = %v, %v", blocked, err)
	}

	if err := s.AddBlockRule(ctx, Rule{Serial: "XYZ9", Reason: "lost stick"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	blocked, reason, err := s.IsBlocked(ctx, xyz)
	if err != nil || !blocked || reason != "lost stick" {
		t.Errorf("IsBlocked = %v, %q, %v; want true, lost stick", blocked, reason, err)
	}

	// re-adding updates the reason
	if err := s.AddBlockRule(ctx, Rule{Serial: "XYZ9", Reason: "stolen"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rules, err := s.Rules(ctx)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Reason != "stolen" {
		t.Errorf("rules = %+v", rules)
	}

	removed, err := s.RemoveBlockRule(ctx, Rule{Serial: "XYZ9"})
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if blocked, _, _ := s.IsBlocked(ctx, xyz); blocked {
		t.Error("device still blocked after rule removal")
	}
}

func TestBlockList_VendorScoped(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.AddBlockRule(ctx, Rule{VendorID: "dead", ProductID: "beef", Serial: "XYZ9"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if blocked, _, _ := s.IsBlocked(ctx, xyz); blocked {
		t.Error("rule for another vendor matched")
	}
	other := xyz
	other.VendorID, other.ProductID = "dead", "beef"
	blocked, reason, err := s.IsBlocked(ctx, other)
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v", blocked, err)
	}
	if reason != "device is in block list" {
		t.Errorf("default reason = %q", reason)
	}
}

func TestAddBlockRule_NeedsSerial(t *testing.T) {
	s := openStore(t)
	if err := s.AddBlockRule(context.Background(), Rule{VendorID: "0781"}); err == nil {
		t.Error("expected error for rule without serial")
	}
}
