package db

import (
	"context"
	"fmt"
	"time"

	"pastelite/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	truncateLogPages   = 1000
)

// StartWALMaintenance checkpoints the write-ahead log until ctx is done,
// then runs one last checkpoint.
func (s *SQLite) StartWALMaintenance(ctx context.Context) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := s.checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func (s *SQLite) checkpoint(ctx context.Context) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateLogPages || busyPages > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
		if err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
		util.Info().
			Int("busy", busyPages).
			Int("log", logPages).
			Int("checkpointed", checkpointed).
			Msg("TRUNCATE checkpoint result")
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
