package sysutil

import (
	"fmt"
	"io"

	"github.com/moby/sys/mountinfo"
)

// ParseMountInfo 解析 proc(5) mountinfo 格式，只返回 devRoot 下的块设备挂载
func ParseMountInfo(r io.Reader, devRoot string) ([]Mount, error) {
	infos, err := mountinfo.GetMountsFromReader(r, BlockSourceFilter(devRoot))
	if err != nil {
		return nil, fmt.Errorf("parse mountinfo: %w", err)
	}
	mounts := make([]Mount, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, Mount{
			Source:     info.Source,
			MountPoint: info.Mountpoint,
			FSType:     info.FSType,
		})
	}
	return mounts, nil
}
