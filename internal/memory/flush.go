package memory

import (
	"context"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/sirupsen/logrus"
)

// Flush hands every kind of set to the sink in chunks of chunkSize.
// It keeps going after a failed chunk and returns the first error alongside per-kind upsert counts.
func Flush(ctx context.Context, set storage.RecordSet, sink storage.Sink, chunkSize int, logger logrus.FieldLogger) (map[storage.Kind]int, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	startTime := time.Now()
	logger.Info("Starting flush to sink...")

	written := make(map[storage.Kind]int, len(storage.Kinds))
	var firstErr error

	for _, kind := range storage.Kinds {
		records := set.Records(kind)
		for start := 0; start < len(records); start += chunkSize {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			end := min(start+chunkSize, len(records))

			n, err := sink.UpsertBatch(ctx, kind, records[start:end])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logger.WithField("kind", kind).Warnf("Failed to flush records %d-%d: %v", start, end, err)
				continue
			}
			written[kind] += n
		}
	}

	logger.WithField("duration", time.Since(startTime).Round(time.Millisecond)).
		Infof("Flush complete: %d pages, %d votes, %d revisions, %d attributions, %d relations, %d alternate titles",
			written[storage.KindPages], written[storage.KindVotes], written[storage.KindRevisions],
			written[storage.KindAttributions], written[storage.KindRelations], written[storage.KindAlternateTitles])

	return written, firstErr
}
