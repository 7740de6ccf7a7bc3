package decision

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

const (
	defaultDumpMaxFiles = 50
	dumpFilePrefix      = "payload_"
)

// Dumper writes each outgoing payload to a bounded directory for
// offline analysis. Dump failures are logged and otherwise ignored; a
// broken debug aid must not touch the cycle.
type Dumper struct {
	dir      string
	maxFiles int
	logger   *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewDumper creates a payload dumper rooted at dir.
func NewDumper(dir string, maxFiles int, logger *slog.Logger) (*Dumper, error) {
	if dir == "" {
		return nil, corviderr.ErrConfig("payload dump directory not configured", nil)
	}
	if maxFiles <= 0 {
		maxFiles = defaultDumpMaxFiles
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, corviderr.ErrConfig("failed to create payload dump directory", err).WithContext("dir", dir)
	}
	return &Dumper{
		dir:      dir,
		maxFiles: maxFiles,
		logger:   logger.With("component", "decision.dumper"),
	}, nil
}

// Dump writes one payload and prunes the directory to the file cap.
func (d *Dumper) Dump(payload []byte) {
	d.mu.Lock()
	d.seq++
	name := fmt.Sprintf("%s%s_%04d.json", dumpFilePrefix, time.Now().UTC().Format("20060102T150405"), d.seq)
	d.mu.Unlock()

	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		d.logger.Warn("payload dump write failed", "path", path, "error", err)
		return
	}
	d.prune()
}

// prune removes the oldest dump files beyond maxFiles. Filenames embed
// a UTC timestamp and a sequence number, so lexical order is age order.
func (d *Dumper) prune() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("payload dump prune failed", "dir", d.dir, "error", err)
		return
	}

	var dumps []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), dumpFilePrefix) {
			continue
		}
		dumps = append(dumps, entry.Name())
	}
	if len(dumps) <= d.maxFiles {
		return
	}

	sort.Strings(dumps)
	for _, name := range dumps[:len(dumps)-d.maxFiles] {
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
			d.logger.Warn("payload dump prune failed", "file", name, "error", err)
		}
	}
}
