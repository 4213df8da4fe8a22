package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stacksift/stacksift/internal/logging"
)

const (
	realPayload      = `{"crashDiagnostics":[{"callStackTree":{"callStacks":[{"callStackRootFrames":[{"binaryUUID":"1","binaryName":"MyApp"}]}]}}]}`
	simulatedPayload = `{"crashDiagnostics":[{"callStackTree":{"callStacks":[{"callStackRootFrames":[{"binaryUUID":"1","binaryName":"testBinaryName"}]}]}}]}`
)

func TestIsSimulated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want bool
	}{
		{name: "real", data: realPayload, want: false},
		{name: "simulated", data: simulatedPayload, want: true},
		{name: "no crash diagnostics", data: `{"cpuExceptionDiagnostics":[]}`, want: false},
		{name: "empty stacks", data: `{"crashDiagnostics":[{"callStackTree":{"callStacks":[]}}]}`, want: false},
		{name: "invalid json", data: `not json`, want: false},
		{
			name: "only first diagnostic counts",
			data: `{"crashDiagnostics":[` +
				`{"callStackTree":{"callStacks":[{"callStackRootFrames":[{"binaryName":"MyApp"}]}]}},` +
				`{"callStackTree":{"callStacks":[{"callStackRootFrames":[{"binaryName":"testBinaryName"}]}]}}]}`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsSimulated([]byte(tt.data)); got != tt.want {
				t.Fatalf("IsSimulated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if !NewDirectorySource(dir, 0, nil).Available() {
		t.Fatal("Available() = false for existing dir")
	}
	if NewDirectorySource(filepath.Join(dir, "missing"), 0, nil).Available() {
		t.Fatal("Available() = true for missing dir")
	}
	if (&DirectorySource{}).Available() {
		t.Fatal("Available() = true for unconfigured source")
	}
}

func TestSubscribeDeliversRealPayloadsAndConsumesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSpool(t, dir, "1.json", realPayload)
	writeSpool(t, dir, "2.json", simulatedPayload)
	writeSpool(t, dir, "notes.txt", "ignored")

	source := NewDirectorySource(dir, 10*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan [][]byte, 1)
	done := make(chan error, 1)
	go func() { done <- source.Subscribe(ctx, out) }()

	var batch [][]byte
	select {
	case batch = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	if diff := cmp.Diff([]string{realPayload}, toStrings(batch)); diff != "" {
		t.Fatalf("delivered batch mismatch (-want +got):\n%s", diff)
	}

	waitFor(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 1
	})
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-payload file removed: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
}

func TestSubscribeSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSpool(t, dir, "1.json", simulatedPayload)

	source := NewDirectorySource(dir, 10*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan [][]byte, 1)
	done := make(chan error, 1)
	go func() { done <- source.Subscribe(ctx, out) }()

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "1.json"))
		return os.IsNotExist(err)
	})
	cancel()
	<-done

	select {
	case batch := <-out:
		t.Fatalf("unexpected delivery of %d payloads", len(batch))
	default:
	}
}

func TestSubscribeRequiresDirectory(t *testing.T) {
	t.Parallel()

	err := (&DirectorySource{}).Subscribe(context.Background(), make(chan [][]byte))
	if err == nil {
		t.Fatal("Subscribe() error = nil, want error")
	}
}

func writeSpool(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func toStrings(batch [][]byte) []string {
	out := make([]string, len(batch))
	for i, b := range batch {
		out[i] = string(b)
	}
	return out
}
