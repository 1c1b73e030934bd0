package persistence

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/metrics"
)

const compactionLockFile = "compaction.lock"

// maybeCompact is the ticker body: run on the interval, or sooner when the
// backlog crosses the threshold or the user has gone idle with entries
// pending.
func (c *Coordinator) maybeCompact() {
	total := c.clog.TotalCount()
	if total == 0 {
		return
	}

	c.mu.Lock()
	idle := time.Since(c.lastActivity) >= c.cfg.Compaction.IdleAfter
	due := time.Since(c.lastCompact) >= c.cfg.Compaction.Interval
	c.mu.Unlock()

	if due || total >= c.cfg.Compaction.EntryThreshold || idle {
		if err := c.CompactOnce(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("compaction cycle failed")
		}
	}
}

// CompactOnce flushes every table's changelog into a fresh snapshot and
// clears the log. Guarded by a best-effort cooperative lock so concurrent
// processes sharing the workspace do not compact simultaneously.
func (c *Coordinator) CompactOnce(ctx context.Context) error {
	release, ok := c.acquireCompactionLock()
	if !ok {
		c.log.Debug().Msg("compaction lock held elsewhere; skipping cycle")
		return nil
	}
	defer release()

	c.mu.Lock()
	c.lastCompact = time.Now()
	c.mu.Unlock()

	var firstErr error
	for _, tableID := range c.clog.TableIDs() {
		if err := c.compactTable(ctx, tableID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Error().Str("tableId", tableID).Err(err).Msg("failed to compact table")
		}
	}

	metrics.CompactionsTotal.Inc()
	metrics.ChangelogBacklog.Set(float64(c.clog.TotalCount()))
	return firstErr
}

// compactTable folds one table's changelog into a fresh snapshot.
func (c *Coordinator) compactTable(ctx context.Context, tableID string) error {
	meta, ok := c.reg.Get(tableID)
	if !ok {
		// The table is gone; its log is stale.
		return c.clog.Clear(tableID)
	}
	if meta.Frozen {
		// Nothing live to export; entries replay when the table thaws.
		return nil
	}

	// An in-flight transform owns the table's staging state; compacting
	// under it would snapshot a half-applied transform.
	staging, err := c.eng.TableExists(ctx, domain.PrefixStaging+meta.NormalizedName())
	if err != nil {
		return err
	}
	if staging {
		return nil
	}

	if err := c.SaveTableNow(ctx, tableID, true); err != nil {
		return err
	}
	if err := c.clog.Clear(tableID); err != nil {
		return err
	}

	c.log.Debug().Str("table", meta.Name).Msg("compacted changelog into snapshot")
	return nil
}

// acquireCompactionLock takes the cooperative cross-process lock. It is
// best-effort: a stale lock (holder crashed) is broken by age.
func (c *Coordinator) acquireCompactionLock() (func(), bool) {
	path := c.blobs.Path(blob.DirState, compactionLockFile)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, false
		}
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < c.cfg.Compaction.LockStaleAfter {
			return nil, false
		}
		// Stale; break it and retry once.
		os.Remove(path)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return nil, false
		}
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() { os.Remove(path) }, true
}
