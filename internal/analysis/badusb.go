package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

// USB interface class codes, see usb.org "Defined Class Codes".
const (
	ClassHID     = "03"
	ClassStorage = "08"
)

// Interfaces 设备下各接口的类别汇总
type Interfaces struct {
	Storage bool
	HID     bool
}

// BadUSB 同时拥有 08(存储) 和 03(HID) 接口即判定为 BadUSB 嫌疑
func (i Interfaces) BadUSB() bool { return i.Storage && i.HID }

// ReadInterfaces 遍历 USB 设备根目录下的接口目录 (例如 1-1:1.0)
func ReadInterfaces(usbRoot string) Interfaces {
	var res Interfaces
	files, err := os.ReadDir(usbRoot)
	if err != nil {
		return res
	}
	for _, f := range files {
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(usbRoot, f.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(content)) {
		case ClassHID:
			res.HID = true
		case ClassStorage:
			res.Storage = true
		}
	}
	return res
}
