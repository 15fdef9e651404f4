package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/store"
)

// printer 把设备列表和状态变化逐行写到终端
type printer struct {
	mu  sync.Mutex
	out io.Writer

	// ready 在设备列表输出后关闭，之前到达的状态变化先等待
	ready     chan struct{}
	readyOnce sync.Once
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, ready: make(chan struct{})}
}

func (p *printer) wait() {
	if p.ready != nil {
		<-p.ready
	}
}

func (p *printer) devices(devices []model.DeviceDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready != nil {
		defer p.readyOnce.Do(func() { close(p.ready) })
	}
	fmt.Fprintln(p.out, "Available USB disks:")
	if len(devices) == 0 {
		fmt.Fprintln(p.out, "  (none)")
	}
	for _, d := range devices {
		fmt.Fprintf(p.out, "  %s\n", d)
	}
}

func (p *printer) OnStateChange(ev model.StateChangeEvent) {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", ev.Time.Format("15:04:05"), ev)
}

func (p *printer) OnMonitorFailed(err error) {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "monitoring stopped: %v\n", err)
}

func (p *printer) history(id string, entries []store.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) == 0 {
		fmt.Fprintf(p.out, "no history for %s\n", id)
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-9s %s", e.Time.Format("2006-01-02 15:04:05"), e.Kind, e.DeviceID)
		if e.Label != "" {
			line += " " + e.Label
		}
		if e.MountPath != "" {
			line += " " + e.MountPath
		}
		if e.Err != "" {
			line += " (" + e.Err + ")"
		}
		fmt.Fprintln(p.out, line)
	}
}

func (p *printer) rules(rules []store.Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(rules) == 0 {
		fmt.Fprintln(p.out, "block list is empty")
		return
	}
	for _, r := range rules {
		vid, pid := r.VendorID, r.ProductID
		if vid == "" {
			vid = "*"
		}
		if pid == "" {
			pid = "*"
		}
		fmt.Fprintf(p.out, "%s %s:%s %s\n", r.Serial, vid, pid, r.Reason)
	}
}
