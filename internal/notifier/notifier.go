// Package notifier runs the per-device state machine over raw OS
// notifications and publishes one StateChangeEvent per genuine transition.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/watcher"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("event stream closed")

// Resolver 设备身份解析
type Resolver interface {
	Resolve(model.Handle) (model.DeviceDescriptor, error)
}

// Publisher receives emitted events; Close ends the stream.
type Publisher interface {
	Publish(model.StateChangeEvent)
	Close(error)
}

// Lister 重新枚举当前设备，用于重连后校正状态
type Lister interface {
	ListDevices(ctx context.Context) ([]model.DeviceDescriptor, error)
}

// Options 通知通道重连策略
type Options struct {
	RearmInitial  time.Duration
	RearmMax      time.Duration
	RearmAttempts int
	// Lister, if set, is consulted after every re-arm: events lost while
	// the channel was down are recovered by diffing against a fresh listing.
	Lister Lister
}

// DefaultOptions 默认重连策略
var DefaultOptions = Options{
	RearmInitial:  500 * time.Millisecond,
	RearmMax:      10 * time.Second,
	RearmAttempts: 5,
}

type mount struct {
	source string
	point  string
}

type tracked struct {
	state  model.StateKind
	desc   model.DeviceDescriptor
	mounts []mount
}

// Notifier 状态机 + 通知循环
type Notifier struct {
	watcher  watcher.DeviceWatcher
	resolver Resolver
	pub      Publisher
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	devices map[string]*tracked // identity -> state
	nodes   map[string]string   // disk or partition node -> identity

	transient atomic.Uint64
}

func New(w watcher.DeviceWatcher, r Resolver, pub Publisher, opts Options, log *zap.Logger) *Notifier {
	if opts.RearmInitial <= 0 {
		opts.RearmInitial = DefaultOptions.RearmInitial
	}
	if opts.RearmMax <= 0 {
		opts.RearmMax = DefaultOptions.RearmMax
	}
	if opts.RearmAttempts <= 0 {
		opts.RearmAttempts = DefaultOptions.RearmAttempts
	}
	return &Notifier{
		watcher:  w,
		resolver: r,
		pub:      pub,
		opts:     opts,
		log:      log.Named("notifier"),
		now:      time.Now,
		devices:  make(map[string]*tracked),
		nodes:    make(map[string]string),
	}
}

// Seed 用启动时的枚举结果初始化状态，不产生事件
func (n *Notifier) Seed(devices []model.DeviceDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, d := range devices {
		t := &tracked{state: model.StateAttached, desc: d}
		if d.Mounted() {
			t.state = model.StateMounted
			t.mounts = []mount{{source: d.MountSource, point: d.MountPath}}
			n.nodes[d.MountSource] = d.ID
		}
		n.devices[d.ID] = t
		n.nodes[d.DevNode] = d.ID
	}
}

// Devices returns the descriptors of every device not yet detached.
func (n *Notifier) Devices() []model.DeviceDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := make([]model.DeviceDescriptor, 0, len(n.devices))
	for _, t := range n.devices {
		if t.state != model.StateDetached {
			res = append(res, t.desc)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// TransientErrors counts errors reported by the watcher. Each one re-arms the
// notification channel.
func (n *Notifier) TransientErrors() uint64 { return n.transient.Load() }

// Run 后台通知循环，直到 ctx 取消或通知通道无法恢复
//
// On return every subscriber queue has been closed: cleanly when ctx was
// cancelled, with model.ErrMonitorFailed when re-arming gave up.
func (n *Notifier) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = n.opts.RearmInitial
	exp.MaxInterval = n.opts.RearmMax
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(n.opts.RearmAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		events, errs, err := n.watcher.Start()
		if err != nil {
			return err
		}
		defer n.watcher.Stop()
		b.Reset()
		n.log.Info("notification channel armed", zap.Int("attempt", attempts))
		// Seed 之后的第一次启动无需校正
		if attempts > 1 {
			n.resync(ctx)
		}
		return n.loop(ctx, events, errs)
	}
	notify := func(err error, next time.Duration) {
		n.log.Warn("notification channel failed, re-arming", zap.Error(err), zap.Duration("backoff", next))
	}

	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil || err == nil {
		n.pub.Close(nil)
		return nil
	}

	var nce *model.NotificationChannelError
	if !errors.As(err, &nce) {
		err = &model.NotificationChannelError{Err: err}
	}
	fail := fmt.Errorf("%w: %w", model.ErrMonitorFailed, err)
	n.log.Error("giving up on notification channel", zap.Error(fail))
	n.pub.Close(fail)
	return fail
}

func (n *Notifier) loop(ctx context.Context, events <-chan model.RawEvent, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			n.drain(events)
			return nil

		case err := <-errs:
			// 例如 netlink ENOBUFS: 事件可能已经丢失，重连后重新枚举
			n.transient.Add(1)
			n.drain(events)
			return &model.NotificationChannelError{Err: err}

		case raw, ok := <-events:
			if !ok {
				return &model.NotificationChannelError{Err: errStreamClosed}
			}
			n.publish(n.Apply(raw))
		}
	}
}

// drain 停止监听，处理已经读到的事件直到通道关闭
func (n *Notifier) drain(events <-chan model.RawEvent) {
	n.watcher.Stop()
	for raw := range events {
		n.publish(n.Apply(raw))
	}
}

func (n *Notifier) resync(ctx context.Context) {
	if n.opts.Lister == nil {
		return
	}
	devices, err := n.opts.Lister.ListDevices(ctx)
	if err != nil {
		n.log.Warn("resync after re-arm failed", zap.Error(err))
		return
	}
	evs := n.Reconcile(devices)
	n.log.Info("resynced after re-arm", zap.Int("devices", len(devices)), zap.Int("events", len(evs)))
	n.publish(evs)
}

func (n *Notifier) publish(events []model.StateChangeEvent) {
	for _, ev := range events {
		n.log.Debug("state change", zap.Stringer("kind", ev.Kind), zap.String("id", ev.Device.ID), zap.String("dev", ev.Device.DevNode))
		n.pub.Publish(ev)
	}
}

// Apply 状态转移函数，返回本次原始事件产生的真实状态变化 (可能为空)
func (n *Notifier) Apply(raw model.RawEvent) []model.StateChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	at := raw.Time
	if at.IsZero() {
		at = n.now()
	}

	switch raw.Action {
	case model.RawAdd:
		return n.attach(raw, at)
	case model.RawChange:
		// 读卡器插入介质只产生 change 事件
		if _, known := n.nodes[raw.DevNode]; known {
			return nil
		}
		return n.attach(raw, at)
	case model.RawRemove:
		return n.detach(raw, at)
	case model.RawMount:
		return n.mount(raw, at)
	case model.RawUnmount:
		return n.unmount(raw, at)
	}
	return nil
}

func (n *Notifier) resolve(raw model.RawEvent, at time.Time) (model.DeviceDescriptor, []model.StateChangeEvent, bool) {
	desc, err := n.resolver.Resolve(raw.Handle)
	if err == nil {
		return desc, nil, true
	}
	var unsupported *model.UnsupportedDeviceError
	if errors.As(err, &unsupported) && unsupported.Reason == model.ReasonNotUSB {
		return desc, nil, false
	}
	n.log.Warn("cannot resolve device", zap.String("dev", raw.DevNode), zap.Stringer("action", raw.Action), zap.Error(err))
	degraded := model.StateChangeEvent{
		Kind:   model.StateUnknown,
		Device: model.DeviceDescriptor{DevNode: raw.DevNode, SysPath: raw.SysPath},
		Time:   at,
		Err:    err,
	}
	return desc, []model.StateChangeEvent{degraded}, false
}

func (n *Notifier) attach(raw model.RawEvent, at time.Time) []model.StateChangeEvent {
	desc, degraded, ok := n.resolve(raw, at)
	if !ok {
		return degraded
	}
	if raw.DevNode != "" {
		n.nodes[raw.DevNode] = desc.ID
	}
	n.nodes[desc.DevNode] = desc.ID

	if t, ok := n.devices[desc.ID]; ok && t.state != model.StateDetached {
		return nil
	}

	t := &tracked{state: model.StateAttached, desc: desc.WithMount("", "")}
	n.devices[desc.ID] = t
	out := []model.StateChangeEvent{{Kind: model.StateAttached, Device: t.desc, Time: at}}
	if desc.Mounted() {
		n.nodes[desc.MountSource] = desc.ID
		t.mounts = append(t.mounts, mount{source: desc.MountSource, point: desc.MountPath})
		t.state = model.StateMounted
		t.desc = desc
		out = append(out, model.StateChangeEvent{Kind: model.StateMounted, Device: desc, Time: at})
	}
	return out
}

func (n *Notifier) detach(raw model.RawEvent, at time.Time) []model.StateChangeEvent {
	id, ok := n.nodes[raw.DevNode]
	if !ok {
		return nil
	}
	t := n.devices[id]
	if t == nil || t.state == model.StateDetached {
		return nil
	}
	if raw.DevType == "partition" || raw.DevNode != t.desc.DevNode {
		// 分区先于整盘移除，等待整盘的 remove 事件
		return nil
	}

	n.forget(id)
	t.state = model.StateDetached
	t.mounts = nil
	return []model.StateChangeEvent{{Kind: model.StateDetached, Device: t.desc, Time: at}}
}

func (n *Notifier) mount(raw model.RawEvent, at time.Time) []model.StateChangeEvent {
	var out []model.StateChangeEvent
	id, ok := n.nodes[raw.DevNode]
	if !ok {
		desc, degraded, ok := n.resolve(raw, at)
		if !ok {
			return degraded
		}
		if t, known := n.devices[desc.ID]; !known || t.state == model.StateDetached {
			out = n.attach(model.RawEvent{Action: model.RawAdd, Handle: raw.Handle}, at)
			// attach already saw the new mount in the mount table
			if t := n.devices[desc.ID]; t != nil && t.state == model.StateMounted {
				return out
			}
		}
		id = desc.ID
		n.nodes[raw.DevNode] = id
	}

	t := n.devices[id]
	if t == nil || t.state == model.StateDetached {
		return out
	}
	m := mount{source: raw.DevNode, point: raw.MountPoint}
	for _, existing := range t.mounts {
		if existing == m {
			return out
		}
	}
	t.mounts = append(t.mounts, m)
	if t.state == model.StateMounted {
		return out
	}
	t.state = model.StateMounted
	t.desc = t.desc.WithMount(m.source, m.point)
	return append(out, model.StateChangeEvent{Kind: model.StateMounted, Device: t.desc, Time: at})
}

func (n *Notifier) unmount(raw model.RawEvent, at time.Time) []model.StateChangeEvent {
	id, ok := n.nodes[raw.DevNode]
	if !ok {
		return nil
	}
	t := n.devices[id]
	if t == nil || t.state != model.StateMounted {
		return nil
	}
	m := mount{source: raw.DevNode, point: raw.MountPoint}
	idx := -1
	for i, existing := range t.mounts {
		if existing == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	t.mounts = append(t.mounts[:idx], t.mounts[idx+1:]...)
	if len(t.mounts) > 0 {
		// 仍有其他分区挂载
		first := t.mounts[0]
		t.desc = t.desc.WithMount(first.source, first.point)
		return nil
	}
	t.state = model.StateUnmounted
	t.desc = t.desc.WithMount("", "")
	return []model.StateChangeEvent{{Kind: model.StateUnmounted, Device: t.desc, Time: at}}
}

// Reconcile 将跟踪状态与一次完整枚举对齐，补发丢失的状态变化:
// 消失的设备 Detached，新设备 Attached (+Mounted)，挂载状态不一致的设备
// Mounted / Unmounted。结果按设备 ID 排序
func (n *Notifier) Reconcile(devices []model.DeviceDescriptor) []model.StateChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	at := n.now()
	present := make(map[string]model.DeviceDescriptor, len(devices))
	for _, d := range devices {
		present[d.ID] = d
	}

	var out []model.StateChangeEvent
	ids := make([]string, 0, len(n.devices))
	for id := range n.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := n.devices[id]
		if _, ok := present[id]; ok || t.state == model.StateDetached {
			continue
		}
		n.forget(id)
		t.state = model.StateDetached
		t.mounts = nil
		out = append(out, model.StateChangeEvent{Kind: model.StateDetached, Device: t.desc, Time: at})
	}

	sorted := append([]model.DeviceDescriptor(nil), devices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, d := range sorted {
		t, ok := n.devices[d.ID]
		if !ok || t.state == model.StateDetached {
			t = &tracked{state: model.StateAttached, desc: d.WithMount("", "")}
			n.devices[d.ID] = t
			out = append(out, model.StateChangeEvent{Kind: model.StateAttached, Device: t.desc, Time: at})
		}
		// 设备可能换了节点 (sdb -> sdc)
		if t.desc.DevNode != d.DevNode {
			n.forget(d.ID)
			t.desc.DevNode = d.DevNode
			t.desc.SysPath = d.SysPath
			for _, m := range t.mounts {
				n.nodes[m.source] = d.ID
			}
		}
		n.nodes[d.DevNode] = d.ID

		switch {
		case d.Mounted() && t.state != model.StateMounted:
			t.mounts = []mount{{source: d.MountSource, point: d.MountPath}}
			n.nodes[d.MountSource] = d.ID
			t.state = model.StateMounted
			t.desc = t.desc.WithMount(d.MountSource, d.MountPath)
			out = append(out, model.StateChangeEvent{Kind: model.StateMounted, Device: t.desc, Time: at})
		case !d.Mounted() && t.state == model.StateMounted:
			t.mounts = nil
			t.state = model.StateUnmounted
			t.desc = t.desc.WithMount("", "")
			out = append(out, model.StateChangeEvent{Kind: model.StateUnmounted, Device: t.desc, Time: at})
		}
	}
	return out
}

// forget 删除指向 id 的所有节点映射
func (n *Notifier) forget(id string) {
	for node, owner := range n.nodes {
		if owner == id {
			delete(n.nodes, node)
		}
	}
}
