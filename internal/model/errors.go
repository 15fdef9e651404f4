package model

import (
	"errors"
	"fmt"
)

// ErrMonitorFailed is the terminal signal delivered to subscribers when the
// notification subsystem could not be re-armed.
var ErrMonitorFailed = errors.New("usb monitor failed")

// OsQueryError 枚举失败
type OsQueryError struct {
	Op  string
	Err error
}

func (e *OsQueryError) Error() string {
	return fmt.Sprintf("os query %s: %v", e.Op, e.Err)
}

func (e *OsQueryError) Unwrap() error { return e.Err }

// Reasons carried by UnsupportedDeviceError.
const (
	ReasonNotUSB     = "not a usb device"
	ReasonNoIdentity = "no serial or volume uuid"
	ReasonNotPresent = "device not present in sysfs"
)

// UnsupportedDeviceError 设备缺少身份信息
type UnsupportedDeviceError struct {
	Handle string
	Reason string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported device %s: %s", e.Handle, e.Reason)
}

// NotificationChannelError 内核/udev 通知通道故障
type NotificationChannelError struct {
	Err error
}

func (e *NotificationChannelError) Error() string {
	return fmt.Sprintf("notification channel: %v", e.Err)
}

func (e *NotificationChannelError) Unwrap() error { return e.Err }
