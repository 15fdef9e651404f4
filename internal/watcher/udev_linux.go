//go:build linux

package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const udevQueueSize = 64

type udevWatcher struct {
	sysRoot string
	devRoot string
	log     *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// NewUdev 监听 UDEV 事件 (NETLINK_KOBJECT_UEVENT, udev 组)，只转发块设备
func NewUdev(sysRoot, devRoot string, log *zap.Logger) DeviceWatcher {
	return &udevWatcher{sysRoot: sysRoot, devRoot: devRoot, log: log.Named("udev")}
}

func (w *udevWatcher) Start() (<-chan model.RawEvent, <-chan error, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, nil, &model.NotificationChannelError{Err: err}
	}

	// Monitor 的发送是阻塞的，留出缓冲让它在 quit 之后总能退出
	queue := make(chan netlink.UEvent, udevQueueSize)
	errChan := make(chan error, 4)
	quit := conn.Monitor(queue, errChan, nil)

	stop := make(chan struct{})
	w.mu.Lock()
	w.stop = stop
	w.mu.Unlock()

	events := make(chan model.RawEvent)
	errs := make(chan error, 1)

	forward := func(uevent netlink.UEvent) {
		if raw, ok := translateUEvent(uevent, w.sysRoot, w.devRoot); ok {
			events <- raw
		}
	}

	go func() {
		defer close(events)

		for {
			select {
			case <-stop:
				close(quit)
				if err := wakeMonitor(conn); err != nil {
					w.log.Debug("wake udev monitor", zap.Error(err))
				}
				conn.Close()
				// 已经收到的事件照常转发
				for {
					select {
					case uevent := <-queue:
						forward(uevent)
					default:
						return
					}
				}

			case err := <-errChan:
				select {
				case errs <- err:
				default:
					w.log.Debug("dropping udev error", zap.Error(err))
				}

			case uevent := <-queue:
				forward(uevent)
			}
		}
	}()
	return events, errs, nil
}

func (w *udevWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
}

// wakeMonitor 向连接自己的端口单播一条消息，唤醒阻塞在 recvfrom 上的 Monitor，
// 它解析失败后会看到 quit 并退出
func wakeMonitor(conn *netlink.UEventConn) error {
	sa, err := unix.Getsockname(conn.Fd)
	if err != nil {
		return err
	}
	self, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		return fmt.Errorf("unexpected socket address %T", sa)
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Sendto(fd, []byte("wake"), 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: self.Pid})
}

// translateUEvent UEvent Env 示例: DEVNAME=sdb1, DEVPATH=/devices/..., DEVTYPE=partition
func translateUEvent(uevent netlink.UEvent, sysRoot, devRoot string) (model.RawEvent, bool) {
	if uevent.Env["SUBSYSTEM"] != "block" {
		return model.RawEvent{}, false
	}
	devType := uevent.Env["DEVTYPE"]
	if devType != "disk" && devType != "partition" {
		return model.RawEvent{}, false
	}

	var action model.RawAction
	switch uevent.Action {
	case netlink.ADD:
		action = model.RawAdd
	case netlink.REMOVE:
		action = model.RawRemove
	case netlink.CHANGE:
		action = model.RawChange
	default:
		return model.RawEvent{}, false
	}

	devName := uevent.Env["DEVNAME"]
	if devName != "" {
		devName = filepath.Join(devRoot, strings.TrimPrefix(devName, "/dev/"))
	}
	devPath := uevent.Env["DEVPATH"]
	if devPath == "" {
		devPath = uevent.KObj
	}

	env := make(map[string]string, len(uevent.Env))
	for k, v := range uevent.Env {
		env[k] = v
	}
	return model.RawEvent{
		Action:  action,
		DevType: devType,
		Handle: model.Handle{
			SysPath: filepath.Join(sysRoot, devPath),
			DevNode: devName,
			Env:     env,
		},
		Time: time.Now(),
	}, true
}
