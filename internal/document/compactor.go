package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCompact      = "document.compact"
	opCompactSweep = "document.compact.sweep"

	defaultCompactThreshold = 100
	defaultCompactMinAge    = 10 * time.Minute
	defaultRetention        = 7 * 24 * time.Hour
	defaultCompactBudget    = 30 * time.Second
)

// ErrCompactionMismatch indicates that the post-compaction replay did not
// reproduce the pre-compaction state; the checkpoint is rolled back.
var ErrCompactionMismatch = errors.New("document: compaction equivalence check failed")

// CompactorConfig describes the dependencies and tunables of the
// compactor.
type CompactorConfig struct {
	Database     *gorm.DB
	Log          *UpdateLog
	Materializer *Materializer
	Clock        func() time.Time
	Logger       *zap.Logger
	Threshold    int64
	MinAge       time.Duration
	Retention    time.Duration
	Budget       time.Duration
}

// Compactor bounds log growth by consolidating old update records into a
// single checkpoint record. Superseded records are soft-deleted via their
// compaction pointer and physically purged only after the retention
// window. Compaction is crash-safe: the checkpoint append, the pointer
// marks, and the equivalence verification share one transaction.
type Compactor struct {
	db           *gorm.DB
	log          *UpdateLog
	materializer *Materializer
	clock        func() time.Time
	logger       *zap.Logger
	threshold    int64
	minAge       time.Duration
	retention    time.Duration
	budget       time.Duration

	mu         sync.Mutex
	inProgress map[string]struct{}
}

// NewCompactor constructs the compactor.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCompact, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opCompact, "missing_log", errMissingLog)
	}
	if cfg.Materializer == nil {
		return nil, newServiceError(opCompact, "missing_materializer", errors.New("materializer is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	compactor := &Compactor{
		db:           cfg.Database,
		log:          cfg.Log,
		materializer: cfg.Materializer,
		clock:        clock,
		logger:       logWith(cfg.Logger),
		threshold:    cfg.Threshold,
		minAge:       cfg.MinAge,
		retention:    cfg.Retention,
		budget:       cfg.Budget,
		inProgress:   make(map[string]struct{}),
	}
	if compactor.threshold <= 0 {
		compactor.threshold = defaultCompactThreshold
	}
	if compactor.minAge <= 0 {
		compactor.minAge = defaultCompactMinAge
	}
	if compactor.retention <= 0 {
		compactor.retention = defaultRetention
	}
	if compactor.budget <= 0 {
		compactor.budget = defaultCompactBudget
	}
	return compactor, nil
}

// Sweep compacts every document over the trigger thresholds. One
// document's failure is logged and retried next cycle.
func (c *Compactor) Sweep(ctx context.Context) error {
	tracked, err := c.log.TrackedDocuments(ctx)
	if err != nil {
		return newServiceError(opCompactSweep, reasonQueryFailed, err)
	}
	for _, entry := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		documentID, idErr := NewDocumentID(entry.DocumentID)
		if idErr != nil {
			continue
		}
		count, countErr := c.log.CountActive(ctx, documentID)
		if countErr != nil {
			c.logger.Warn("compaction count failed",
				zap.String(fieldDocumentID, entry.DocumentID),
				zap.Error(countErr))
			continue
		}
		if count <= c.threshold {
			continue
		}
		oldest, oldestErr := c.log.OldestActiveAt(ctx, documentID)
		if oldestErr != nil || oldest.IsZero() {
			continue
		}
		if c.clock().UTC().Sub(oldest) < c.minAge {
			continue
		}
		if err := c.CompactDocument(ctx, documentID); err != nil {
			c.logger.Warn("compaction deferred to next cycle",
				zap.String(fieldDocumentID, entry.DocumentID),
				zap.Error(err))
		}
	}
	return nil
}

// CompactDocument consolidates the eligible old records of one document
// into a single checkpoint. A per-document in-progress marker avoids
// duplicate work; no distributed lock is needed because replay of the
// commutative updates converges regardless.
func (c *Compactor) CompactDocument(ctx context.Context, documentID DocumentID) error {
	if !c.begin(documentID) {
		c.logger.Debug("compaction already in progress",
			zap.String(fieldDocumentID, documentID.String()))
		return nil
	}
	defer c.finish(documentID)

	budgetCtx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	cutoff := c.clock().UTC().Add(-c.minAge)
	eligible, err := c.log.EligibleForCompaction(budgetCtx, documentID, cutoff)
	if err != nil {
		return err
	}
	if len(eligible) < 2 {
		return nil
	}
	cutoffID := eligible[len(eligible)-1].UpdateID

	// The consolidated payload is the merged state of every active record
	// up to the cutoff, previous checkpoints included, so that change
	// dependencies stay resolvable.
	var prefix []UpdateRecord
	err = c.db.WithContext(budgetCtx).
		Where("document_id = ? AND compacted_into IS NULL AND update_id <= ?", documentID.String(), cutoffID).
		Order(fieldUpdateID + " ASC").
		Find(&prefix).Error
	if err != nil {
		return newServiceError(opCompact, reasonQueryFailed, err)
	}

	scratch := NewReplica()
	superseded := make([]int64, 0, len(prefix))
	for _, record := range prefix {
		payload, payloadErr := record.Payload()
		if payloadErr != nil {
			return payloadErr
		}
		if applyErr := scratch.ApplyUpdate(payload); applyErr != nil {
			return applyErr
		}
		superseded = append(superseded, record.UpdateID)
	}
	consolidated := scratch.Checkpoint()

	checkpointID, err := c.log.Checkpoint(budgetCtx, documentID, consolidated, superseded, func(tx *gorm.DB, newID int64) error {
		return c.verifyEquivalence(tx, documentID, newID)
	})
	if err != nil {
		return err
	}

	if _, err := c.materializer.writeSnapshot(budgetCtx, documentID, mustBlocks(scratch), SnapshotSourceCompacted, checkpointID); err != nil {
		// The checkpoint itself is durable; the snapshot refreshes on the
		// next materializer cycle.
		c.logger.Warn("post-compaction snapshot refresh failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(err))
	}

	c.logger.Info("document compacted",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int("superseded", len(superseded)),
		zap.Int64("checkpoint_id", checkpointID.Int64()))
	return nil
}

// verifyEquivalence replays both the pre-compaction record set and the
// post-compaction active set inside the checkpoint transaction and
// compares their content checksums. Any mismatch aborts the checkpoint.
func (c *Compactor) verifyEquivalence(tx *gorm.DB, documentID DocumentID, checkpointID int64) error {
	preReplica := NewReplica()
	var preRecords []UpdateRecord
	err := tx.
		Where("document_id = ? AND update_id <> ? AND (compacted_into IS NULL OR compacted_into = ?)",
			documentID.String(), checkpointID, checkpointID).
		Order(fieldUpdateID + " ASC").
		Find(&preRecords).Error
	if err != nil {
		return err
	}
	for _, record := range preRecords {
		payload, payloadErr := record.Payload()
		if payloadErr != nil {
			return payloadErr
		}
		if applyErr := preReplica.ApplyUpdate(payload); applyErr != nil {
			return applyErr
		}
	}
	preChecksum, err := preReplica.Checksum()
	if err != nil {
		return err
	}

	postReplica := NewReplica()
	if _, _, err := replayInto(tx, documentID.String(), 0, postReplica); err != nil {
		return err
	}
	postChecksum, err := postReplica.Checksum()
	if err != nil {
		return err
	}

	if preChecksum != postChecksum {
		return fmt.Errorf("%w: pre=%s post=%s", ErrCompactionMismatch, preChecksum, postChecksum)
	}
	return nil
}

// PurgeExpired physically deletes superseded records whose retention
// window has elapsed.
func (c *Compactor) PurgeExpired(ctx context.Context) error {
	cutoff := c.clock().UTC().Add(-c.retention)
	removed, err := c.log.PurgeSuperseded(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.logger.Info("retention purge removed records", zap.Int64("removed", removed))
	}
	return nil
}

func (c *Compactor) begin(documentID DocumentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inProgress[documentID.String()]; busy {
		return false
	}
	c.inProgress[documentID.String()] = struct{}{}
	return true
}

func (c *Compactor) finish(documentID DocumentID) {
	c.mu.Lock()
	delete(c.inProgress, documentID.String())
	c.mu.Unlock()
}

func mustBlocks(replica *Replica) []Block {
	blocks, err := replica.Blocks()
	if err != nil {
		return []Block{}
	}
	return blocks
}
