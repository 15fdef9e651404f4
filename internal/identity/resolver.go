// Package identity 从 sysfs / udev 属性中提取 USB 存储设备的稳定身份信息
package identity

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Hara602/usbmon/internal/analysis"
	"github.com/Hara602/usbmon/internal/model"
	"github.com/Hara602/usbmon/internal/sysutil"
)

// sectorSize sysfs "size" 属性的单位
const sectorSize = 512

// maxWalkUp 向上回溯的最大层数，USB 设备根目录通常在 block 目录上 6 层左右
const maxWalkUp = 10

// Resolver 设备身份解析器
type Resolver struct {
	SysRoot   string // default /sys
	DevRoot   string // default /dev
	MountInfo string // default /proc/self/mountinfo
}

// New returns a Resolver reading the live system.
func New() *Resolver {
	return &Resolver{SysRoot: "/sys", DevRoot: "/dev", MountInfo: sysutil.DefaultMountInfo}
}

// Resolve 解析设备身份，挂载点从当前挂载表获取
func (r *Resolver) Resolve(h model.Handle) (model.DeviceDescriptor, error) {
	var idx map[string]string
	if mounts, err := sysutil.ReadMounts(r.MountInfo, r.DevRoot); err == nil {
		idx = sysutil.MountIndex(mounts)
	}
	return r.ResolveWithMounts(h, idx)
}

// ResolveWithMounts 使用给定的挂载索引 (设备节点 -> 挂载点) 解析设备身份
func (r *Resolver) ResolveWithMounts(h model.Handle, mounts map[string]string) (model.DeviceDescriptor, error) {
	diskDir, err := r.diskDir(h)
	if err != nil {
		return model.DeviceDescriptor{}, err
	}
	diskName := filepath.Base(diskDir)
	desc := model.DeviceDescriptor{
		DevNode: filepath.Join(r.DevRoot, diskName),
		SysPath: diskDir,
	}

	usbRoot, onUSB := findUSBRoot(diskDir)
	if !onUSB && h.Env["ID_BUS"] != "usb" {
		return model.DeviceDescriptor{}, &model.UnsupportedDeviceError{Handle: handleName(h), Reason: model.ReasonNotUSB}
	}

	desc.Capacity = readUint(filepath.Join(diskDir, "size")) * sectorSize
	parts := partitions(diskDir)

	if onUSB {
		desc.BusID = filepath.Base(usbRoot)
		desc.VendorID = readAttr(filepath.Join(usbRoot, "idVendor"))
		desc.ProductID = readAttr(filepath.Join(usbRoot, "idProduct"))
		desc.Vendor = readAttr(filepath.Join(usbRoot, "manufacturer"))
		desc.Product = readAttr(filepath.Join(usbRoot, "product"))
		desc.ID = NormalizeSerial(readAttr(filepath.Join(usbRoot, "serial")))

		ifaces := analysis.ReadInterfaces(usbRoot)
		desc.Suspect = ifaces.BadUSB()
		switch {
		case !ifaces.Storage:
			desc.Kind = model.KindOther
		case readAttr(filepath.Join(diskDir, "removable")) == "1":
			desc.Kind = model.KindFlash
		default:
			desc.Kind = model.KindDisk
		}
	} else {
		// sysfs 中找不到 USB 根目录时才使用 udev 属性
		desc.Kind = model.KindDisk
		desc.VendorID = h.Env["ID_VENDOR_ID"]
		desc.ProductID = h.Env["ID_MODEL_ID"]
		desc.ID = h.Env["ID_SERIAL_SHORT"]
	}

	// 标签和卷 UUID 只取磁盘及其分区 (有序) 的 /dev/disk 链接，
	// 与收到的是磁盘还是分区事件无关

	nodes := append([]string{diskName}, parts...)
	desc.Label = r.lookupLink("by-label", nodes)
	if desc.Label == "" {
		desc.Label = desc.Product
	}
	if desc.ID == "" {
		desc.ID = r.lookupLink("by-uuid", nodes)
	}
	if desc.ID == "" {
		return model.DeviceDescriptor{}, &model.UnsupportedDeviceError{Handle: handleName(h), Reason: model.ReasonNoIdentity}
	}

	for _, n := range nodes {
		node := filepath.Join(r.DevRoot, n)
		if mp, ok := mounts[node]; ok {
			desc.MountPath = mp
			desc.MountSource = node
			break
		}
	}
	return desc, nil
}

// diskDir 返回整盘的 sysfs 目录，分区归一到其所属磁盘
func (r *Resolver) diskDir(h model.Handle) (string, error) {
	path := h.SysPath
	if path == "" {
		if h.DevNode == "" {
			return "", &model.UnsupportedDeviceError{Handle: "<empty>", Reason: "no sysfs path or device node"}
		}
		path = filepath.Join(r.SysRoot, "class", "block", filepath.Base(h.DevNode))
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	} else if h.SysPath == "" {
		return "", &model.UnsupportedDeviceError{Handle: handleName(h), Reason: model.ReasonNotPresent}
	}

	if h.Env["DEVTYPE"] == "partition" || fileExists(filepath.Join(path, "partition")) {
		path = filepath.Dir(path)
	}
	return path, nil
}

// lookupLink 在 /dev/disk/<dir> 中查找指向 nodes 之一的符号链接，返回链接名
func (r *Resolver) lookupLink(dir string, nodes []string) string {
	entries, err := os.ReadDir(filepath.Join(r.DevRoot, "disk", dir))
	if err != nil {
		return ""
	}
	want := make(map[string]int, len(nodes))
	for i, n := range nodes {
		want[n] = i
	}
	best, bestRank := "", len(nodes)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(r.DevRoot, "disk", dir, e.Name()))
		if err != nil {
			continue
		}
		if rank, ok := want[filepath.Base(target)]; ok && rank < bestRank {
			best, bestRank = e.Name(), rank
		}
	}
	return unescapeUdev(best)
}

// findUSBRoot 递归向上查找包含 idVendor 的目录（即 USB Device 根目录）
func findUSBRoot(path string) (string, bool) {
	dir := path
	for i := 0; i < maxWalkUp; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if fileExists(filepath.Join(dir, "idVendor")) {
			return dir, true
		}
	}
	return "", false
}

// partitions 列出磁盘目录下的分区名 (包含 partition 属性的子目录)
func partitions(diskDir string) []string {
	entries, err := os.ReadDir(diskDir)
	if err != nil {
		return nil
	}
	var parts []string
	for _, e := range entries {
		if fileExists(filepath.Join(diskDir, e.Name(), "partition")) {
			parts = append(parts, e.Name())
		}
	}
	sort.Strings(parts)
	return parts
}

func readAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readUint(path string) uint64 {
	v, err := strconv.ParseUint(readAttr(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func handleName(h model.Handle) string {
	if h.DevNode != "" {
		return h.DevNode
	}
	return h.SysPath
}

// unescapeUdev 还原 udev 链接名中的 \xNN 转义, e.g. "MY\x20DISK"
func unescapeUdev(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// NormalizeSerial 按 udev ID_SERIAL_SHORT 的规则清洗序列号:
// 去掉首尾空白，连续空白替换为一个 '_'，其余不允许的字符替换为 '_'
func NormalizeSerial(s string) string {
	s = strings.Join(strings.Fields(s), "_")
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c == utf8.RuneError:
			b.WriteByte('_')
		case c >= utf8.RuneSelf:
			// 合法的多字节 UTF-8 字符保留
			b.WriteRune(c)
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', strings.ContainsRune("#+-.:=@_", c):
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
