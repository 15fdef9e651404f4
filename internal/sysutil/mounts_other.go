//go:build !linux

package sysutil

import (
	"errors"
	"io"
)

var errMountInfoUnsupported = errors.New("mountinfo is only available on linux")

func ParseMountInfo(io.Reader, string) ([]Mount, error) {
	return nil, errMountInfoUnsupported
}
