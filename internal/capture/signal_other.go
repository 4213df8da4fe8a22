//go:build !unix

package capture

import "errors"

type signalWatcher struct{}

func (w *signalWatcher) arm(*Monitor) {}

func (w *signalWatcher) disarm() {}

// TriggerSignal is not supported on this platform.
func TriggerSignal() error {
	return errors.New("signal test hook is not supported on this platform")
}
