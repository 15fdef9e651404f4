package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DeviceKind 设备类别
type DeviceKind int

const (
	KindOther DeviceKind = iota
	KindDisk
	KindFlash
)

func (k DeviceKind) String() string {
	switch k {
	case KindDisk:
		return "disk"
	case KindFlash:
		return "flash"
	default:
		return "other"
	}
}

// DeviceDescriptor 设备快照，创建后不再修改
type DeviceDescriptor struct {
	ID          string // serial, or volume UUID when the device has no serial
	Label       string
	MountPath   string // empty if not mounted
	MountSource string // /dev node backing MountPath, e.g. /dev/sdb1
	Capacity    uint64 // bytes
	Kind        DeviceKind

	DevNode   string // e.g. /dev/sdb
	SysPath   string // e.g. /sys/devices/.../block/sdb
	BusID     string // e.g. 1-1.2
	VendorID  string
	ProductID string
	Vendor    string
	Product   string
	Suspect   bool // storage + HID on the same device
}

// WithMount returns a copy of d mounted at path from source.
// An empty path yields an unmounted copy.
func (d DeviceDescriptor) WithMount(source, path string) DeviceDescriptor {
	d.MountSource = source
	d.MountPath = path
	return d
}

// Mounted reports whether d carries a mount path.
func (d DeviceDescriptor) Mounted() bool { return d.MountPath != "" }

func (d DeviceDescriptor) String() string {
	parts := []string{d.ID}
	if d.Label != "" {
		parts = append(parts, d.Label)
	}
	if d.Capacity > 0 {
		parts = append(parts, humanize.Bytes(d.Capacity))
	}
	if d.MountPath != "" {
		parts = append(parts, d.MountPath)
	}
	return strings.Join(parts, " ")
}

// StateKind 状态变化类型
type StateKind int

const (
	StateUnknown StateKind = iota
	StateAttached
	StateMounted
	StateUnmounted
	StateDetached
)

func (s StateKind) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StateMounted:
		return "Mounted"
	case StateUnmounted:
		return "Unmounted"
	case StateDetached:
		return "Detached"
	default:
		return "Unknown"
	}
}

// StateChangeEvent 标准化后的插拔/挂载事件
type StateChangeEvent struct {
	Kind   StateKind
	Device DeviceDescriptor
	Time   time.Time
	Err    error // only set for degraded (StateUnknown) events
}

func (e StateChangeEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%v)", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Device)
}

// RawAction 原始系统通知类型
type RawAction int

const (
	RawAdd RawAction = iota + 1
	RawRemove
	RawChange
	RawMount
	RawUnmount
)

func (a RawAction) String() string {
	switch a {
	case RawAdd:
		return "add"
	case RawRemove:
		return "remove"
	case RawChange:
		return "change"
	case RawMount:
		return "mount"
	case RawUnmount:
		return "unmount"
	default:
		return fmt.Sprintf("raw(%d)", int(a))
	}
}

// Handle 原始设备句柄: sysfs 路径和/或 /dev 节点, 以及 udev 属性
type Handle struct {
	SysPath string            // e.g. /sys/devices/.../block/sdb/sdb1
	DevNode string            // e.g. /dev/sdb1
	Env     map[string]string // udev properties, may be nil
}

// RawEvent 硬件插拔或挂载表变化的原始事件
type RawEvent struct {
	Action     RawAction
	DevType    string // "disk", "partition" for udev events
	MountPoint string // set for RawMount / RawUnmount
	Handle
	Time time.Time
}
