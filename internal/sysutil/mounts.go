package sysutil

import (
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// DefaultMountInfo 当前进程挂载命名空间的挂载表
const DefaultMountInfo = "/proc/self/mountinfo"

// Mount 挂载表中的一条记录
type Mount struct {
	Source     string // e.g. /dev/sdb1
	MountPoint string // e.g. /media/usb
	FSType     string
}

// ReadMounts 读取 mountinfo 文件中 devRoot 下的块设备挂载
func ReadMounts(path, devRoot string) ([]Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMountInfo(f, devRoot)
}

// BlockSourceFilter 只保留 devRoot 下的块设备挂载，跳过 loop 设备
func BlockSourceFilter(devRoot string) mountinfo.FilterFunc {
	prefix := strings.TrimSuffix(devRoot, "/") + "/"
	return func(m *mountinfo.Info) (skip, stop bool) {
		if !strings.HasPrefix(m.Source, prefix) || strings.HasPrefix(m.Source, prefix+"loop") {
			return true, false
		}
		return false, false
	}
}

// MountIndex 设备节点 -> 第一个挂载点
func MountIndex(mounts []Mount) map[string]string {
	idx := make(map[string]string, len(mounts))
	for _, m := range mounts {
		if _, ok := idx[m.Source]; !ok {
			idx[m.Source] = m.MountPoint
		}
	}
	return idx
}
