package watcher

import (
	"sync"

	"github.com/Hara602/usbmon/internal/model"
)

type combined struct {
	watchers []DeviceWatcher

	mu   sync.Mutex
	stop chan struct{}
}

// Combine merges several watchers. The merged stream ends as soon as any of
// them ends, so a failing source re-arms together with the others.
func Combine(watchers ...DeviceWatcher) DeviceWatcher {
	return &combined{watchers: watchers}
}

func (c *combined) Start() (<-chan model.RawEvent, <-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var srcs []<-chan model.RawEvent
	var errSrcs []<-chan error
	for i, w := range c.watchers {
		ev, errs, err := w.Start()
		if err != nil {
			for _, started := range c.watchers[:i] {
				started.Stop()
			}
			return nil, nil, err
		}
		srcs = append(srcs, ev)
		errSrcs = append(errSrcs, errs)
	}

	stop := make(chan struct{})
	c.stop = stop
	out := make(chan model.RawEvent)
	errOut := make(chan error, len(srcs))
	ended := make(chan struct{})
	var endOnce sync.Once

	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(ev <-chan model.RawEvent, errs <-chan error) {
			defer wg.Done()
			// 每个源在 Stop 后都会关闭事件通道，读到关闭为止
			for {
				select {
				case e, ok := <-ev:
					if !ok {
						endOnce.Do(func() { close(ended) })
						return
					}
					out <- e
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					select {
					case errOut <- err:
					default:
					}
				}
			}
		}(srcs[i], errSrcs[i])
	}

	go func() {
		select {
		case <-ended:
			// one source died, take the others down with it
			c.stopAll(stop)
		case <-stop:
		}
		wg.Wait()
		close(out)
	}()

	return out, errOut, nil
}

func (c *combined) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		c.stopAll(stop)
	}
}

func (c *combined) stopAll(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != stop {
		return
	}
	c.stop = nil
	close(stop)
	for _, w := range c.watchers {
		w.Stop()
	}
}
