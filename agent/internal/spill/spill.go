// Package spill provides the on-disk overflow store for the buffer.
//
// # Design
//
// Each spill is one immutable gzip-compressed JSON file holding a vector
// of payloads for a single stream kind. File names encode the kind and
// creation time so that lexicographic order matches chronological order:
//
//	{kind}_{YYYY_MM_DD__HH_MM_SS}_{unix_nanos}.json.gz
//
// Recovery walks files newest-first: after a long outage the freshest
// data goes out first, and the oldest files are the first evicted when
// disk pressure returns.
//
// The buffer serialises writes per kind with its spill-in-progress
// flag; writes for different kinds may overlap, so the store keeps its
// counters atomic and tolerates files vanishing between list and delete.
package spill

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Rough compressed size per payload, used for the pre-write budget
	// check before the real size is known.
	estimatedBytesPerItem = 100

	// After evicting old files the store aims for 80% of the budget so a
	// single write doesn't immediately re-trigger eviction.
	evictionTarget = 0.8

	suffix = ".json.gz"
)

// Config for the spill store.
type Config struct {
	Dir              string  // spill directory, owned by the agent
	MaxBytes         int64   // S_max; total size budget for the directory
	DiskReserveRatio float64 // fraction of the filesystem's total size always left free
	Fs               afero.Fs
	Logger           *slog.Logger
	Clock            clock.Clock

	// DiskUsage reports free bytes for the filesystem containing path.
	// Defaults to gopsutil; injectable for tests.
	DiskUsage func(path string) (total, free uint64, err error)
}

// Store manages one spill directory.
type Store struct {
	fs        afero.Fs
	dir       string
	maxBytes  int64
	reserve   float64
	logger    *slog.Logger
	clock     clock.Clock
	diskUsage func(path string) (total, free uint64, err error)

	// Counters are atomic: the buffer may spill different kinds from
	// different goroutines at once, serialising per kind only.
	evicted atomic.Int64 // files deleted to reclaim space
	corrupt atomic.Int64 // unreadable files deleted during recovery
}

// New creates a spill store. The directory is created lazily on first
// write so a read-only installation can still run memory-only.
func New(cfg Config) *Store {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 100 * 1024 * 1024
	}
	if cfg.DiskReserveRatio <= 0 {
		cfg.DiskReserveRatio = 0.05
	}
	if cfg.DiskUsage == nil {
		cfg.DiskUsage = gopsutilUsage
	}
	return &Store{
		fs:        cfg.Fs,
		dir:       cfg.Dir,
		maxBytes:  cfg.MaxBytes,
		reserve:   cfg.DiskReserveRatio,
		logger:    cfg.Logger.With("component", "spill"),
		clock:     cfg.Clock,
		diskUsage: cfg.DiskUsage,
	}
}

func gopsutilUsage(path string) (uint64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.Total, u.Free, nil
}

// Write persists one compressed file of payloads for kind. It enforces
// the disk budget before writing, evicting the oldest files if needed,
// and fails rather than exceed it.
func (s *Store) Write(kind types.Kind, payloads []types.Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating spill dir: %w", err)
	}

	estimated := int64(len(payloads)) * estimatedBytesPerItem
	if err := s.ensureSpace(estimated); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	name := fmt.Sprintf("%s_%s_%019d%s",
		kind, now.Format("2006_01_02__15_04_05"), now.UnixNano(), suffix)
	path := filepath.Join(s.dir, name)

	data, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("encoding spill payloads: %w", err)
	}

	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating spill file: %w", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		f.Close()
		s.fs.Remove(path)
		return fmt.Errorf("writing spill file: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		s.fs.Remove(path)
		return fmt.Errorf("flushing spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(path)
		return fmt.Errorf("closing spill file: %w", err)
	}

	s.logger.Info("spilled items to disk",
		"kind", kind,
		"items", len(payloads),
		"file", name)
	return nil
}

// ensureSpace evicts oldest files until estimated more bytes fit within
// the budget, or returns an error if they cannot.
func (s *Store) ensureSpace(estimated int64) error {
	files, current, err := s.listFiles()
	if err != nil {
		return err
	}

	budget := s.budget(current)
	if current+estimated <= budget {
		return nil
	}

	s.logger.Warn("spill directory approaching limit, evicting oldest files",
		"current_bytes", current,
		"budget_bytes", budget)

	// Oldest first.
	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	target := int64(float64(budget) * evictionTarget)
	for _, f := range files {
		if current+estimated <= target {
			break
		}
		if err := s.fs.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Warn("failed to delete old spill file", "file", f.name, "error", err)
			continue
		}
		current -= f.size
		s.evicted.Inc()
	}

	if current+estimated > s.budget(current) {
		return fmt.Errorf("spill directory full: %d bytes used, %d budget", current, budget)
	}
	return nil
}

// budget computes the effective byte budget: min(S_max, free space less
// the filesystem reserve). Falls back to S_max when usage can't be read.
func (s *Store) budget(current int64) int64 {
	total, free, err := s.diskUsage(s.dir)
	if err != nil {
		return s.maxBytes
	}
	reserved := int64(float64(total) * s.reserve)
	available := current + int64(free) - reserved
	if available < 0 {
		available = 0
	}
	if available < s.maxBytes {
		return available
	}
	return s.maxBytes
}

type fileInfo struct {
	name string
	size int64
}

func (s *Store) listFiles() ([]fileInfo, int64, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("listing spill dir: %w", err)
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), size: e.Size()})
		total += e.Size()
	}
	return files, total, nil
}

// AcceptFunc consumes the payloads of one recovered file. It reports
// whether they were fully accepted; the file is deleted only then.
type AcceptFunc func(kind types.Kind, payloads []types.Payload) bool

// Recover reads up to maxFiles spill files, newest first, handing each
// file's payloads to accept. Corrupt files are deleted and counted.
// Returns the number of files fully recovered (and deleted).
func (s *Store) Recover(maxFiles int, accept AcceptFunc) (int, error) {
	if exists, _ := afero.DirExists(s.fs, s.dir); !exists {
		return 0, nil
	}
	files, _, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	// Newest first: lexicographic order matches creation order.
	sort.Slice(files, func(i, j int) bool {
		return files[i].name > files[j].name
	})
	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
	}

	recovered := 0
	for _, f := range files {
		path := filepath.Join(s.dir, f.name)
		kind, payloads, err := s.readFile(path, f.name)
		if err != nil {
			s.corrupt.Inc()
			s.logger.Warn("deleting corrupt spill file", "file", f.name, "error", err)
			s.fs.Remove(path)
			continue
		}
		if !accept(kind, payloads) {
			// Consumer is full; keep the file for a later pass.
			return recovered, nil
		}
		if err := s.fs.Remove(path); err != nil {
			s.logger.Warn("failed to delete recovered spill file", "file", f.name, "error", err)
		}
		recovered++
	}
	return recovered, nil
}

func (s *Store) readFile(path, name string) (types.Kind, []types.Payload, error) {
	kind := kindFromName(name)
	if !kind.Valid() {
		return "", nil, fmt.Errorf("unrecognized spill file name %q", name)
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", nil, err
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return "", nil, err
	}

	var payloads []types.Payload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return "", nil, err
	}
	return kind, payloads, nil
}

func kindFromName(name string) types.Kind {
	i := strings.IndexByte(name, '_')
	if i <= 0 {
		return ""
	}
	return types.Kind(name[:i])
}

// FileCount returns the number of spill files currently on disk.
func (s *Store) FileCount() int {
	files, _, err := s.listFiles()
	if err != nil {
		return 0
	}
	return len(files)
}

// TotalSize returns the total bytes currently used by spill files.
func (s *Store) TotalSize() int64 {
	_, total, err := s.listFiles()
	if err != nil {
		return 0
	}
	return total
}

// Stats reports store counters.
type Stats struct {
	Files        int   `json:"files"`
	Bytes        int64 `json:"bytes"`
	EvictedFiles int64 `json:"evicted_files"`
	CorruptFiles int64 `json:"corrupt_files"`
}

func (s *Store) Stats() Stats {
	files, total, _ := s.listFiles()
	return Stats{
		Files:        len(files),
		Bytes:        total,
		EvictedFiles: s.evicted.Load(),
		CorruptFiles: s.corrupt.Load(),
	}
}

// timestampFromName is used by tests to validate the naming scheme.
func timestampFromName(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, suffix)
	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return time.Time{}, false
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", &nanos); err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}
