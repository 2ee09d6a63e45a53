//go:build linux

package tinyble

import (
	"sync"

	"tinygo.org/x/bluetooth"
)

// adapterState owns the process-wide default adapter. tinygo exposes a single
// connect handler per adapter, so disconnects are fanned out by address here.
type adapterState struct {
	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*link
}

var adapter = &adapterState{links: make(map[string]*link)}

func (a *adapterState) enable() error {
	a.enableOnce.Do(func() {
		a.enableErr = bluetooth.DefaultAdapter.Enable()
		if a.enableErr != nil {
			return
		}
		bluetooth.DefaultAdapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
			if connected {
				return
			}
			a.mu.Lock()
			l := a.links[dev.Address.String()]
			delete(a.links, dev.Address.String())
			a.mu.Unlock()
			if l != nil {
				l.markDisconnected()
			}
		})
	})
	return a.enableErr
}

func (a *adapterState) register(l *link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[l.address] = l
}

func (a *adapterState) forget(l *link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[l.address] == l {
		delete(a.links, l.address)
	}
}
