package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/correlate"
	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/source"
)

// maxLineSize bounds a single log line during replay.
const maxLineSize = 4 << 20

// ReplayOptions configures a backfill over whole log files.
type ReplayOptions struct {
	DefaultModel string
	Pricing      *config.PricingTable
}

// ReplayResult holds the output of a replay.
type ReplayResult struct {
	Records     []model.TelemetryRecord
	TotalFiles  int
	ParsedFiles int
	FileErrors  int
	Lines       int
	Events      int
}

// ProgressFunc is called during replay to report progress.
// current is the number of files processed so far, total is the total count.
type ProgressFunc func(current, total int)

type fileResult struct {
	records []model.TelemetryRecord
	lines   int
	events  int
	err     error
}

// ReplayFiles parses complete log files from the beginning and returns the
// records they produce. Each file gets its own correlator, so runs never span
// files. No captures exist for past calls; token counts are estimated unless
// a line carries usage. Files are processed by a bounded worker pool.
func ReplayFiles(ctx context.Context, files []string, opts ReplayOptions, progressFn ProgressFunc) (*ReplayResult, error) {
	result := &ReplayResult{TotalFiles: len(files)}
	if len(files) == 0 {
		return result, nil
	}

	// Parallel parsing with bounded worker pool
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers < 1 {
		numWorkers = 4
	}
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	work := make(chan int, len(files))
	results := make([]fileResult, len(files))
	var wg sync.WaitGroup
	var processed atomic.Int64

	// Feed work
	for i := range files {
		work <- i
	}
	close(work)

	// Spawn workers
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for idx := range work {
				if ctx.Err() != nil {
					results[idx].err = ctx.Err()
					continue
				}
				results[idx] = replayFile(ctx, files[idx], opts)
				n := processed.Add(1)
				if progressFn != nil {
					progressFn(int(n), len(files))
				}
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Collect results
	for _, fr := range results {
		if fr.err != nil {
			result.FileErrors++
			continue
		}
		result.ParsedFiles++
		result.Lines += fr.lines
		result.Events += fr.events
		result.Records = append(result.Records, fr.records...)
	}
	sort.SliceStable(result.Records, func(i, j int) bool {
		return result.Records[i].Timestamp.Before(result.Records[j].Timestamp)
	})

	return result, nil
}

// ReplayDir replays every openclaw-*.log file in dir.
func ReplayDir(ctx context.Context, dir string, opts ReplayOptions, progressFn ProgressFunc) (*ReplayResult, error) {
	files, err := filepath.Glob(filepath.Join(dir, "openclaw-*.log"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(files)
	return ReplayFiles(ctx, files, opts, progressFn)
}

func replayFile(ctx context.Context, path string, opts ReplayOptions) fileResult {
	f, err := os.Open(path)
	if err != nil {
		return fileResult{err: err}
	}
	defer func() { _ = f.Close() }()

	corr := correlate.New(correlate.Options{
		DefaultModel: opts.DefaultModel,
		Pricing:      opts.Pricing,
	})

	var fr fileResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		fr.lines++
		ev, ok := source.ParseLine(sc.Text())
		if !ok {
			continue
		}
		fr.events++
		if rec, ok := corr.Handle(ctx, ev); ok {
			fr.records = append(fr.records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return fileResult{err: fmt.Errorf("reading %s: %w", path, err)}
	}
	return fr
}
