// Package monitor decides which capture mechanisms are armed for a
// configured monitor mode.
package monitor

import (
	"fmt"
	"strings"
)

// Mode selects the capture mechanisms used to produce reports.
type Mode int

const (
	// InProcessOnly arms only the in-process capture engine.
	InProcessOnly Mode = iota
	// SystemDiagnosticsOnly arms only the system diagnostics subscription.
	SystemDiagnosticsOnly
	// SystemDiagnosticsWithFallback prefers system diagnostics and falls
	// back to in-process capture when diagnostics are unavailable.
	SystemDiagnosticsWithFallback
	// Both arms both mechanisms simultaneously.
	Both
)

var modeNames = map[Mode]string{
	InProcessOnly:                 "in-process",
	SystemDiagnosticsOnly:         "system-diagnostics",
	SystemDiagnosticsWithFallback: "system-diagnostics-fallback",
	Both:                          "both",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Modes returns every mode in declaration order.
func Modes() []Mode {
	return []Mode{InProcessOnly, SystemDiagnosticsOnly, SystemDiagnosticsWithFallback, Both}
}

// ParseMode parses the name returned by Mode.String.
func ParseMode(value string) (Mode, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return InProcessOnly, nil
	}
	for mode, name := range modeNames {
		if name == value {
			return mode, nil
		}
	}
	return InProcessOnly, fmt.Errorf("unknown monitor mode %q", value)
}

// Probe reports whether the system diagnostics source is available on
// this platform.
type Probe func() bool

// Never is a Probe for platforms without a diagnostics source.
func Never() bool { return false }

// Capabilities is the resolved set of capture mechanisms to arm.
type Capabilities struct {
	CaptureEnabled     bool
	DiagnosticsEnabled bool
}

// Resolve maps a mode and diagnostics availability to the mechanisms that
// should be armed.
func Resolve(mode Mode, diagnosticsAvailable bool) Capabilities {
	switch mode {
	case InProcessOnly:
		return Capabilities{CaptureEnabled: true}
	case SystemDiagnosticsOnly:
		return Capabilities{DiagnosticsEnabled: diagnosticsAvailable}
	case SystemDiagnosticsWithFallback:
		return Capabilities{
			CaptureEnabled:     !diagnosticsAvailable,
			DiagnosticsEnabled: diagnosticsAvailable,
		}
	case Both:
		return Capabilities{CaptureEnabled: true, DiagnosticsEnabled: diagnosticsAvailable}
	default:
		return Capabilities{}
	}
}

// ResolveWith calls probe (nil means unavailable) and resolves mode.
func ResolveWith(mode Mode, probe Probe) Capabilities {
	available := false
	if probe != nil {
		available = probe()
	}
	return Resolve(mode, available)
}
