//go:build unix

package capture

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

var fatalSignals = []os.Signal{unix.SIGABRT}

type signalWatcher struct {
	mu   sync.Mutex
	ch   chan os.Signal
	done chan struct{}
}

func (w *signalWatcher) arm(m *Monitor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		return
	}

	w.ch = make(chan os.Signal, 1)
	w.done = make(chan struct{})
	signal.Notify(w.ch, fatalSignals...)

	go func(ch chan os.Signal, done chan struct{}) {
		select {
		case sig := <-ch:
			m.RecordSignal(unix.SignalName(sig.(unix.Signal)))
			reraise(sig.(unix.Signal))
		case <-done:
		}
	}(w.ch, w.done)
}

func (w *signalWatcher) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		return
	}
	signal.Stop(w.ch)
	close(w.done)
	w.ch = nil
	w.done = nil
}

// reraise restores the default disposition and delivers sig again so the
// process terminates the way it would have without the monitor.
func reraise(sig unix.Signal) {
	signal.Reset(sig)
	unix.Kill(unix.Getpid(), sig)
}

// TriggerSignal sends SIGABRT to the current process.
func TriggerSignal() error {
	return unix.Kill(unix.Getpid(), unix.SIGABRT)
}
