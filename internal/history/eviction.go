package history

import (
	"context"
	"fmt"
	"log/slog"
)

// ClearOldest removes the count entries with the smallest timestamps from
// the mirror and the local tier, then syncs so the shared tier reflects the
// freed space. It returns how many entries were removed, which is less than
// count when fewer exist. Keys that are not watch history are never touched.
// Removal and sync happen under one lock so a concurrent reload cannot bring
// the evicted entries back from batches that still hold them. The removal
// stands even if the sync fails; the error is returned alongside the count.
func (s *Store) ClearOldest(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	if err := s.waitLoaded(ctx); err != nil {
		return 0, err
	}

	if err := s.throttle.wait(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	victims := s.mirror.oldest(count)
	if err := s.mirror.remove(ctx, victims); err != nil {
		return 0, fmt.Errorf("history: evicting oldest entries: %w", err)
	}

	s.logger.Info("evicted oldest watch history entries",
		slog.Int("requested", count),
		slog.Int("removed", len(victims)),
	)

	if _, err := s.syncLocked(ctx); err != nil {
		return len(victims), err
	}

	return len(victims), nil
}
