// Package diagnostics delivers structured diagnostic payloads produced by
// the operating system. Payloads are spooled as JSON files by an external
// collector; DirectorySource picks them up, drops simulated ones and hands
// the rest over in batches.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stacksift/stacksift/internal/logging"
)

// DefaultPollInterval is used when DirectorySource.Interval is zero.
const DefaultPollInterval = 30 * time.Second

// SimulatedBinaryName marks payloads generated by developer tooling.
const SimulatedBinaryName = "testBinaryName"

// Source subscribes to diagnostic deliveries. Subscribe blocks until ctx is
// done, sending one batch per delivery on out. It must not send on out after
// it returns; a batch sent on out is owned by the receiver, which processes
// it even when ctx is done.
type Source interface {
	Subscribe(ctx context.Context, out chan<- [][]byte) error
}

// DirectorySource polls a spool directory for *.json payloads.
type DirectorySource struct {
	Dir      string
	Interval time.Duration
	Logger   *slog.Logger
}

// NewDirectorySource returns a source for dir.
func NewDirectorySource(dir string, interval time.Duration, logger *slog.Logger) *DirectorySource {
	return &DirectorySource{Dir: dir, Interval: interval, Logger: logger}
}

// Available reports whether the spool directory exists. It is the
// capability probe for system diagnostics.
func (s *DirectorySource) Available() bool {
	if s == nil || s.Dir == "" {
		return false
	}
	info, err := os.Stat(s.Dir)
	return err == nil && info.IsDir()
}

// Subscribe polls until ctx is cancelled. A spool file is removed only
// after the batch containing it has been sent on out. A send abandoned
// because ctx ended leaves the files for the next subscription.
func (s *DirectorySource) Subscribe(ctx context.Context, out chan<- [][]byte) error {
	if s.Dir == "" {
		return errors.New("diagnostics directory not configured")
	}
	logger := logging.Ensure(s.Logger).With("component", "diagnostics", "dir", s.Dir)

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, logger, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("failed to poll diagnostics", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *DirectorySource) poll(ctx context.Context, logger *slog.Logger, out chan<- [][]byte) error {
	paths, err := s.pending()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	logger.Info("received payloads", "count", len(paths))

	var (
		batch    [][]byte
		consumed []string
	)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read payload", "path", path, "error", err)
			continue
		}
		consumed = append(consumed, path)
		if IsSimulated(data) {
			logger.Info("filtering simulated payload", "path", path)
			continue
		}
		batch = append(batch, data)
	}

	if len(batch) > 0 {
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, path := range consumed {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove consumed payload", "path", path, "error", err)
		}
	}
	return nil
}

func (s *DirectorySource) pending() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(s.Dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

type payload struct {
	CrashDiagnostics []struct {
		CallStackTree struct {
			CallStacks []struct {
				CallStackRootFrames []struct {
					BinaryName string `json:"binaryName"`
				} `json:"callStackRootFrames"`
			} `json:"callStacks"`
		} `json:"callStackTree"`
	} `json:"crashDiagnostics"`
}

// IsSimulated reports whether the first crash diagnostic's first root
// frame belongs to the simulated test binary. Payloads that do not decode
// are treated as real.
func IsSimulated(data []byte) bool {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if len(p.CrashDiagnostics) == 0 {
		return false
	}
	stacks := p.CrashDiagnostics[0].CallStackTree.CallStacks
	if len(stacks) == 0 || len(stacks[0].CallStackRootFrames) == 0 {
		return false
	}
	return stacks[0].CallStackRootFrames[0].BinaryName == SimulatedBinaryName
}
