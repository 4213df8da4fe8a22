// Package capture is the in-process crash capture engine. It keeps a text
// log per process run in the report directory and appends crash records to
// it when a panic or fatal signal is observed. A log that never receives a
// crash record contains only its header and is classified as noise.
package capture

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/stacksift/stacksift/internal/logging"
)

// Monitor records crashes of the current process into a log file.
type Monitor struct {
	logger *slog.Logger

	mu         sync.Mutex
	file       *os.File
	identifier string

	signals signalWatcher
}

// NewMonitor returns an unarmed monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger: logging.Ensure(logger).With("component", "capture"),
	}
}

// Configure points the monitor at destination and writes the log header.
// It is fire-and-forget: failures are logged and leave the monitor
// unarmed. Configuring again switches to the new destination.
func (m *Monitor) Configure(destination, identifier, organizationKey string, installIdentifier *string) {
	file, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.logger.Error("failed to open crash log", "path", destination, "error", err)
		return
	}

	install := ""
	if installIdentifier != nil {
		install = *installIdentifier
	}
	header := fmt.Sprintf("[Application] id: %s, org_id: %s, install_id: %s, platform: %s, arch: %s, pid: %d, go: %s, started: %s\n",
		identifier, organizationKey, install, runtime.GOOS, runtime.GOARCH, os.Getpid(), runtime.Version(),
		time.Now().UTC().Format(time.RFC3339))
	if _, err := io.WriteString(file, header); err != nil {
		file.Close()
		m.logger.Error("failed to write crash log header", "path", destination, "error", err)
		return
	}

	m.mu.Lock()
	previous := m.file
	m.file = file
	m.identifier = identifier
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	m.signals.arm(m)
	m.logger.Info("in-process capture armed", "path", destination, "report_id", identifier)
}

// Identifier returns the report identifier of the current log.
func (m *Monitor) Identifier() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identifier
}

// Recover records a panic in progress and re-panics. Use it as the first
// deferred call of a goroutine:
//
//	defer monitor.Recover()
func (m *Monitor) Recover() {
	value := recover()
	if value == nil {
		return
	}
	m.RecordPanic(value, debug.Stack())
	panic(value)
}

// RecordPanic appends an exception record and the crashed goroutine's
// frames. stack is the output of debug.Stack for that goroutine.
func (m *Monitor) RecordPanic(value any, stack []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "[Exception] type: %T, message: %s\n", value, sanitize(fmt.Sprint(value)))
	writeGoroutines(&b, string(stack), true)
	m.append(b.String())
}

// RecordSignal appends a fatal signal record and the state of every goroutine.
func (m *Monitor) RecordSignal(name string) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	var b strings.Builder
	fmt.Fprintf(&b, "[Exception] type: signal, message: %s\n", name)
	writeGoroutines(&b, string(buf[:n]), false)
	m.append(b.String())
}

// Close stops signal capture and closes the log.
func (m *Monitor) Close() error {
	m.signals.disarm()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Monitor) append(record string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return
	}
	if _, err := io.WriteString(m.file, record); err != nil {
		m.logger.Error("failed to write crash record", "error", err)
		return
	}
	m.file.Sync()
}

// writeGoroutines converts a Go stack dump into thread records. The first
// goroutine is marked as crashed when markFirst is set.
func writeGoroutines(b *strings.Builder, dump string, markFirst bool) {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	first := true
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "goroutine ") {
			id, state := parseGoroutineHeader(line)
			if first && markFirst {
				fmt.Fprintf(b, "[Thread:Crashed] id: %s, state: %s\n", id, state)
			} else {
				fmt.Fprintf(b, "[Thread:State] id: %s, state: %s\n", id, state)
			}
			first = false
			continue
		}

		// Frames are a function line followed by an indented file:line.
		location := ""
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			location = strings.TrimSpace(lines[i+1])
			i++
		}
		fmt.Fprintf(b, "[Thread:Frame] function: %s, location: %s\n", line, location)
	}
}

func parseGoroutineHeader(line string) (string, string) {
	rest := strings.TrimPrefix(line, "goroutine ")
	id, state, found := strings.Cut(rest, " ")
	if !found {
		return strings.TrimSuffix(id, ":"), ""
	}
	state = strings.TrimSuffix(strings.TrimSpace(state), ":")
	state = strings.TrimSuffix(strings.TrimPrefix(state, "["), "]")
	return id, state
}

func sanitize(message string) string {
	return strings.ReplaceAll(message, "\n", " ")
}
