package collectors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/producer"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

const maxLineBytes = 64 * 1024

// LogCollector tails files matching the configured glob patterns and
// ships new lines as log payloads. A rate limiter bounds the line volume
// so a chatty file can't starve the metrics stream of buffer space.
type LogCollector struct {
	buf      *buffer.Buffer
	identity clock.Identity
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	patterns []string
	limiter  *rate.Limiter

	// offsets tracks the read position per file; a shrunken file means
	// rotation and resets to the start.
	offsets map[string]int64
}

// NewLogCollector creates the log collector.
func NewLogCollector(buf *buffer.Buffer, id clock.Identity, clk clock.Clock, interval time.Duration, patterns []string, linesPerSec float64, logger *slog.Logger) *LogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if linesPerSec <= 0 {
		linesPerSec = 500
	}
	return &LogCollector{
		buf:      buf,
		identity: id,
		clock:    clk,
		logger:   logger.With("collector", "logs"),
		interval: interval,
		patterns: patterns,
		limiter:  rate.NewLimiter(rate.Limit(linesPerSec), int(linesPerSec)),
		offsets:  make(map[string]int64),
	}
}

// Descriptor returns the producer descriptor for this collector.
func (c *LogCollector) Descriptor() producer.Descriptor {
	return producer.Descriptor{
		Name:     "log_collection",
		Interval: c.interval,
		Collect:  c.Collect,
	}
}

// Collect reads new lines from every matched file.
func (c *LogCollector) Collect(ctx context.Context) error {
	var denied, failed int

	for _, pattern := range c.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			c.logger.Warn("bad log glob", "pattern", pattern, "error", err)
			continue
		}
		for _, path := range matches {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.tail(ctx, path); err != nil {
				if errors.Is(err, fs.ErrPermission) {
					denied++
					continue
				}
				failed++
				c.logger.Warn("tailing log file failed", "path", path, "error", err)
			}
		}
	}

	if failed == 0 && denied > 0 {
		return fmt.Errorf("%w: %d log files unreadable", producer.ErrDenied, denied)
	}
	return nil
}

// tail reads lines added to path since the last cycle.
func (c *LogCollector) tail(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	offset := c.offsets[path]
	if info.Size() < offset {
		// File was rotated or truncated; start over.
		offset = 0
	}
	if info.Size() == offset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	tags := c.identity.BaseTags()
	reader := bufio.NewReaderSize(f, maxLineBytes)
	read := offset

	var payloads []types.Payload
	for {
		if ctx.Err() != nil {
			break
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing partial line stays for the next cycle.
			break
		}
		if !c.limiter.Allow() {
			// Budget exhausted; leave the line for the next cycle.
			break
		}
		read += int64(len(line))
		payloads = append(payloads, types.Payload{
			"source":    path,
			"line":      trimNewline(line),
			"timestamp": c.clock.Now().UTC().Format(time.RFC3339Nano),
			"tags":      tags,
		})
	}

	c.offsets[path] = read
	if len(payloads) > 0 {
		c.buf.AddBatch(types.KindLogs, payloads)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
