package kv

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// periodicallyCollectGarbage runs the QuickGC cycle in the given interval.
func (b *BadgerDB) periodicallyCollectGarbage(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := b.QuickGC(b.ctx)
			if err != nil {
				b.logger.Error("periodic GC cycle failed", zap.Error(err))
			} else {
				b.logger.Debug("periodic GC cycle completed", zap.Duration("took", time.Since(start)))
			}
		}
	}
}

// QuickGC runs a short garbage collection cycle to reclaim some unused disk space.
// Designed to be called periodically while the database is being used.
func (b *BadgerDB) QuickGC(ctx context.Context) error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		// No garbage to collect.
		return nil
	}
	return err
}

// FullGC runs a long garbage collection cycle to reclaim (ideally) all unused disk space.
// Designed to be called when the database is not being used.
func (b *BadgerDB) FullGC(ctx context.Context) error {
	for ctx.Err() == nil {
		err := b.db.RunValueLogGC(0.1)
		if errors.Is(err, badger.ErrNoRewrite) {
			// No more garbage to collect.
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to collect garbage")
		}
	}

	return nil
}
