package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

const maxLineBytes = 16 << 20

// LoadStats totals a bulk load.
type LoadStats struct {
	Lines   int
	Batches int
	Result
}

// LoadJSONL ingests a newline-delimited JSON dump through the engine in
// batches of batchSize. Lines that are not valid JSON are counted as
// skipped, like malformed documents. The first failed batch stops the load;
// batches before it stay committed.
func (e *Engine) LoadJSONL(ctx context.Context, r io.Reader, source string, batchSize int) (LoadStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var (
		stats LoadStats
		batch = make([]value.Value, 0, batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := e.Ingest(ctx, batch, source)
		if err != nil {
			return fmt.Errorf("load: batch %d (ending line %d): %w", stats.Batches+1, stats.Lines, err)
		}
		stats.Batches++
		stats.Inserted += res.Inserted
		stats.Changed += res.Changed
		stats.Unchanged += res.Unchanged
		stats.Skipped += res.Skipped
		if res.HasLatest && (!stats.HasLatest || res.LatestCreated > stats.LatestCreated) {
			stats.LatestCreated, stats.HasLatest = res.LatestCreated, true
		}
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		stats.Lines++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		v, err := value.Parse(line)
		if err != nil {
			stats.Skipped++
			e.logger.Warn("Skipping unparseable line", zap.Int("line", stats.Lines), zap.Error(err))
			continue
		}
		batch = append(batch, v)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("load: read line %d: %w", stats.Lines+1, err)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
