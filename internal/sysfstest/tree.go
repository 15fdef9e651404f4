// Package sysfstest builds fake /sys, /dev and mountinfo trees for tests.
package sysfstest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const usbBus = "devices/pci0000:00/0000:00:14.0/usb1"

// Disk describes a fake USB mass storage device.
type Disk struct {
	Name       string // block device name, e.g. sdb
	BusID      string // e.g. 1-1
	Serial     string
	VendorID   string
	ProductID  string
	Vendor     string
	Product    string
	Capacity   uint64   // bytes, rounded down to 512 byte sectors
	Removable  bool
	Classes    []string // interface classes, defaults to mass storage
	Partitions []Partition
}

// Partition is a partition of a fake Disk.
type Partition struct {
	Name  string // e.g. sdb1
	Label string
	UUID  string
}

// Tree is a fake system root.
type Tree struct {
	t         testing.TB
	Root      string
	Sys       string
	Dev       string
	MountInfo string
	mounts    []string
	hosts     int
}

// New creates an empty tree under t.TempDir().
func New(t testing.TB) *Tree {
	t.Helper()
	root := t.TempDir()
	tr := &Tree{
		t:         t,
		Root:      root,
		Sys:       filepath.Join(root, "sys"),
		Dev:       filepath.Join(root, "dev"),
		MountInfo: filepath.Join(root, "mountinfo"),
	}
	tr.mkdir(filepath.Join(tr.Sys, "block"))
	tr.mkdir(filepath.Join(tr.Sys, "class", "block"))
	tr.mkdir(filepath.Join(tr.Dev, "disk", "by-label"))
	tr.mkdir(filepath.Join(tr.Dev, "disk", "by-uuid"))
	tr.writeMounts()
	return tr
}

// AddDisk creates d and returns its sysfs block directory.
func (tr *Tree) AddDisk(d Disk) string {
	tr.t.Helper()
	if d.BusID == "" {
		d.BusID = "1-1"
	}
	if len(d.Classes) == 0 {
		d.Classes = []string{"08"}
	}
	usbRoot := filepath.Join(tr.Sys, usbBus, d.BusID)
	tr.write(filepath.Join(usbRoot, "idVendor"), d.VendorID)
	tr.write(filepath.Join(usbRoot, "idProduct"), d.ProductID)
	if d.Serial != "" {
		tr.write(filepath.Join(usbRoot, "serial"), d.Serial)
	}
	if d.Vendor != "" {
		tr.write(filepath.Join(usbRoot, "manufacturer"), d.Vendor)
	}
	if d.Product != "" {
		tr.write(filepath.Join(usbRoot, "product"), d.Product)
	}
	for i, class := range d.Classes {
		tr.write(filepath.Join(usbRoot, fmt.Sprintf("%s:1.%d", d.BusID, i), "bInterfaceClass"), class)
	}
	tr.write(filepath.Join(usbRoot, "authorized"), "1")
	busLink := filepath.Join(tr.Sys, "bus", "usb", "devices", d.BusID)
	if _, err := os.Lstat(busLink); err != nil {
		tr.symlink(usbRoot, busLink)
	}

	host := tr.hosts
	tr.hosts++
	scsi := filepath.Join(usbRoot, d.BusID+":1.0",
		fmt.Sprintf("host%d", host),
		fmt.Sprintf("target%d:0:0", host),
		fmt.Sprintf("%d:0:0:0", host))
	return tr.addBlock(scsi, d)
}

// AddInternalDisk creates a SATA disk that is not on the USB bus.
func (tr *Tree) AddInternalDisk(name string, capacity uint64) string {
	tr.t.Helper()
	ata := filepath.Join(tr.Sys, "devices/pci0000:00/0000:00:17.0/ata1/host90/target90:0:0/90:0:0:0")
	return tr.addBlock(ata, Disk{Name: name, Capacity: capacity})
}

func (tr *Tree) addBlock(parent string, d Disk) string {
	diskDir := filepath.Join(parent, "block", d.Name)
	tr.write(filepath.Join(diskDir, "size"), strconv.FormatUint(d.Capacity/512, 10))
	removable := "0"
	if d.Removable {
		removable = "1"
	}
	tr.write(filepath.Join(diskDir, "removable"), removable)
	tr.symlink(diskDir, filepath.Join(tr.Sys, "block", d.Name))
	tr.symlink(diskDir, filepath.Join(tr.Sys, "class", "block", d.Name))

	for i, p := range d.Partitions {
		partDir := filepath.Join(diskDir, p.Name)
		tr.write(filepath.Join(partDir, "partition"), strconv.Itoa(i+1))
		tr.symlink(partDir, filepath.Join(tr.Sys, "class", "block", p.Name))
		if p.Label != "" {
			tr.symlink("../../"+p.Name, filepath.Join(tr.Dev, "disk", "by-label", strings.ReplaceAll(p.Label, " ", `\x20`)))
		}
		if p.UUID != "" {
			tr.symlink("../../"+p.Name, filepath.Join(tr.Dev, "disk", "by-uuid", p.UUID))
		}
	}
	return diskDir
}

// Authorized reports the content of the USB device's authorized attribute.
func (tr *Tree) Authorized(busID string) string {
	tr.t.Helper()
	b, err := os.ReadFile(filepath.Join(tr.Sys, "bus", "usb", "devices", busID, "authorized"))
	if err != nil {
		tr.t.Fatalf("read authorized %s: %v", busID, err)
	}
	return strings.TrimSpace(string(b))
}

// RemoveDisk deletes the sysfs entries of a disk, as the kernel does on unplug.
func (tr *Tree) RemoveDisk(name string) {
	tr.t.Helper()
	diskDir, err := filepath.EvalSymlinks(filepath.Join(tr.Sys, "block", name))
	if err != nil {
		tr.t.Fatalf("remove disk %s: %v", name, err)
	}
	entries, _ := os.ReadDir(diskDir)
	for _, e := range entries {
		_ = os.Remove(filepath.Join(tr.Sys, "class", "block", e.Name()))
	}
	_ = os.Remove(filepath.Join(tr.Sys, "block", name))
	_ = os.Remove(filepath.Join(tr.Sys, "class", "block", name))
	if err := os.RemoveAll(diskDir); err != nil {
		tr.t.Fatalf("remove disk %s: %v", name, err)
	}
}

// Mount appends a mount of /dev/<node> at point to the fake mountinfo.
func (tr *Tree) Mount(node, point string) {
	tr.t.Helper()
	id := 100 + len(tr.mounts)
	tr.mounts = append(tr.mounts, fmt.Sprintf("%d 1 8:17 / %s rw,nosuid,nodev shared:1 - vfat %s rw",
		id, strings.ReplaceAll(point, " ", `\040`), filepath.Join(tr.Dev, node)))
	tr.writeMounts()
}

// Unmount removes every mount of /dev/<node>.
func (tr *Tree) Unmount(node string) {
	tr.t.Helper()
	src := filepath.Join(tr.Dev, node)
	kept := tr.mounts[:0]
	for _, line := range tr.mounts {
		if !strings.HasSuffix(line, " "+src+" rw") {
			kept = append(kept, line)
		}
	}
	tr.mounts = kept
	tr.writeMounts()
}

func (tr *Tree) writeMounts() {
	lines := append([]string{"22 1 0:21 / /proc rw - proc proc rw", "25 1 8:1 / / rw - ext4 /dev/root rw"}, tr.mounts...)
	tr.write(tr.MountInfo, strings.Join(lines, "\n")+"\n")
}

func (tr *Tree) mkdir(dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tr.t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func (tr *Tree) write(path, content string) {
	tr.mkdir(filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		tr.t.Fatalf("write %s: %v", path, err)
	}
}

func (tr *Tree) symlink(target, link string) {
	tr.mkdir(filepath.Dir(link))
	if err := os.Symlink(target, link); err != nil {
		tr.t.Fatalf("symlink %s: %v", link, err)
	}
}
