package capture

// TriggerCrash panics with a recognizable message. Call it from a goroutine
// guarded by Monitor.Recover to produce a test report.
func TriggerCrash() {
	panic("stacksift test crash")
}
