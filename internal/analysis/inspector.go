package analysis

import (
	"sync"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap"
)

// Inspector 在卷挂载后扫描其中的伪装文件
type Inspector struct {
	types    *TypeInspector
	maxFiles int
	log      *zap.Logger

	// 扫描在后台进行，观察者本身不阻塞
	wg sync.WaitGroup
	// Report 若非空则接收每个卷的扫描结果 (测试用)
	Report func(d model.DeviceDescriptor, found []Result)
}

// NewInspector returns an observer that scans at most maxFiles regular
// files of every newly mounted volume.
func NewInspector(types *TypeInspector, maxFiles int, log *zap.Logger) *Inspector {
	if types == nil {
		types = NewTypeInspector()
	}
	return &Inspector{types: types, maxFiles: maxFiles, log: log.Named("inspect")}
}

// OnStateChange 只处理 Mounted 事件
func (in *Inspector) OnStateChange(ev model.StateChangeEvent) {
	if ev.Kind != model.StateMounted || ev.Device.MountPath == "" {
		return
	}
	if ev.Device.Suspect {
		in.log.Warn("⚠️ BadUSB suspect mounted", zap.String("id", ev.Device.ID), zap.String("vid", ev.Device.VendorID), zap.String("pid", ev.Device.ProductID))
	}
	d := ev.Device
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.scan(d)
	}()
}

func (in *Inspector) scan(d model.DeviceDescriptor) {
	found, err := in.types.ScanVolume(d.MountPath, in.maxFiles)
	if err != nil {
		in.log.Warn("volume scan incomplete", zap.String("id", d.ID), zap.String("path", d.MountPath), zap.Error(err))
	}
	for _, r := range found {
		in.log.Warn("🚨 masquerade file",
			zap.String("id", d.ID),
			zap.String("file", r.Path),
			zap.String("risk", string(r.Risk)),
			zap.String("detail", r.Message),
		)
	}
	if len(found) == 0 && err == nil {
		in.log.Debug("volume clean", zap.String("id", d.ID), zap.String("path", d.MountPath))
	}
	if in.Report != nil {
		in.Report(d, found)
	}
}

// Wait blocks until every running scan has finished.
func (in *Inspector) Wait() { in.wg.Wait() }
