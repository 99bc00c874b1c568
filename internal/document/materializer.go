package document

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMaterialize      = "document.materialize"
	opMaterializeSweep = "document.materialize.sweep"

	defaultMaterializeBudget = 10 * time.Second
)

// ErrSnapshotNotFound indicates that no snapshot exists for a document.
var ErrSnapshotNotFound = errors.New("document: snapshot not found")

// MaterializerConfig describes the dependencies of the snapshot
// materializer.
type MaterializerConfig struct {
	Database *gorm.DB
	Log      *UpdateLog
	Clock    func() time.Time
	Logger   *zap.Logger
	Budget   time.Duration
}

// Materializer derives structured content snapshots by replaying the
// update log. It is decoupled from the write path: materialization never
// blocks real-time latency, and one document's failure never blocks
// another's.
type Materializer struct {
	db     *gorm.DB
	log    *UpdateLog
	clock  func() time.Time
	logger *zap.Logger
	budget time.Duration
}

// NewMaterializer constructs the materializer.
func NewMaterializer(cfg MaterializerConfig) (*Materializer, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opMaterialize, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opMaterialize, "missing_log", errMissingLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = defaultMaterializeBudget
	}
	return &Materializer{
		db:     cfg.Database,
		log:    cfg.Log,
		clock:  clock,
		logger: logWith(cfg.Logger),
		budget: budget,
	}, nil
}

// Materialize replays the document's log, computes the content checksum,
// and upserts the stored snapshot. A document with no history produces an
// empty snapshot with source=fallback. Re-materializing unchanged content
// leaves the stored version untouched, so repeated runs are idempotent.
func (mz *Materializer) Materialize(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, mz.budget)
	defer cancel()

	replica, lastID, applied, err := mz.log.Rebuild(budgetCtx, documentID)
	if err != nil {
		mz.logger.Error("snapshot replay failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(err))
		return Snapshot{}, newServiceError(opMaterialize, "replay_failed", err)
	}

	source := SnapshotSourceLive
	blocks := []Block{}
	if applied == 0 {
		source = SnapshotSourceFallback
	} else {
		blocks, err = replica.Blocks()
		if err != nil {
			return Snapshot{}, newServiceError(opMaterialize, "decode_failed", err)
		}
	}
	return mz.writeSnapshot(budgetCtx, documentID, blocks, source, lastID)
}

// writeSnapshot persists the derived snapshot, bumping the version only
// when the content actually changed.
func (mz *Materializer) writeSnapshot(ctx context.Context, documentID DocumentID, blocks []Block, source SnapshotSource, updateSeen UpdateID) (Snapshot, error) {
	contentJSON, err := EncodeBlocks(blocks)
	if err != nil {
		return Snapshot{}, newServiceError(opMaterialize, "encode_failed", err)
	}
	checksum, err := ChecksumBlocks(blocks)
	if err != nil {
		return Snapshot{}, newServiceError(opMaterialize, "checksum_failed", err)
	}

	now := mz.clock().UTC().Unix()
	var stored SnapshotRecord
	txErr := mz.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SnapshotRecord
		lookupErr := tx.Where(queryDocument, documentID.String()).Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			stored = SnapshotRecord{
				DocumentID:    documentID.String(),
				ContentJSON:   contentJSON,
				Version:       1,
				SchemaVersion: 1,
				Source:        string(source),
				SnapshotAtS:   now,
				Checksum:      checksum,
				UpdateSeen:    updateSeen.Int64(),
				ModifiedAtS:   now,
			}
			return tx.Create(&stored).Error
		case lookupErr != nil:
			return lookupErr
		}

		if existing.Checksum == checksum && existing.UpdateSeen == updateSeen.Int64() {
			stored = existing
			return nil
		}
		existing.ContentJSON = contentJSON
		existing.Version++
		existing.Source = string(source)
		existing.SnapshotAtS = now
		existing.Checksum = checksum
		existing.UpdateSeen = updateSeen.Int64()
		existing.ModifiedAtS = now
		stored = existing
		return tx.Save(&existing).Error
	})
	if txErr != nil {
		mz.logger.Error("snapshot write failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(txErr))
		return Snapshot{}, newServiceError(opMaterialize, "write_failed", txErr)
	}
	return snapshotFromRecord(stored)
}

// Snapshot returns the stored snapshot for a document.
func (mz *Materializer) Snapshot(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	var record SnapshotRecord
	err := mz.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, newServiceError(opMaterialize, reasonQueryFailed, err)
	}
	return snapshotFromRecord(record)
}

// Sweep materializes every document whose log advanced past its stored
// snapshot. Failures are logged per document and retried next cycle.
func (mz *Materializer) Sweep(ctx context.Context) error {
	tracked, err := mz.log.TrackedDocuments(ctx)
	if err != nil {
		return newServiceError(opMaterializeSweep, reasonQueryFailed, err)
	}

	var snapshots []SnapshotRecord
	if err := mz.db.WithContext(ctx).Select("document_id, update_seen").Find(&snapshots).Error; err != nil {
		return newServiceError(opMaterializeSweep, reasonQueryFailed, err)
	}
	seen := make(map[string]int64, len(snapshots))
	for _, snapshot := range snapshots {
		seen[snapshot.DocumentID] = snapshot.UpdateSeen
	}

	for _, entry := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastSeen, ok := seen[entry.DocumentID]; ok && entry.HighWater <= lastSeen {
			continue
		}
		documentID, idErr := NewDocumentID(entry.DocumentID)
		if idErr != nil {
			mz.logger.Warn("skipping invalid document id", zap.Error(idErr))
			continue
		}
		if _, err := mz.Materialize(ctx, documentID); err != nil {
			mz.logger.Warn("materialization deferred to next cycle",
				zap.String(fieldDocumentID, entry.DocumentID),
				zap.Error(err))
		}
	}
	return nil
}

func snapshotFromRecord(record SnapshotRecord) (Snapshot, error) {
	documentID, err := NewDocumentID(record.DocumentID)
	if err != nil {
		return Snapshot{}, err
	}
	blocks, err := DecodeBlocks(record.ContentJSON)
	if err != nil {
		return Snapshot{}, err
	}
	version, err := NewVersion(record.Version)
	if err != nil {
		return Snapshot{}, err
	}
	updateSeen, err := NewUpdateID(record.UpdateSeen)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		DocumentID:    documentID,
		Blocks:        blocks,
		Version:       version,
		SchemaVersion: record.SchemaVersion,
		Source:        SnapshotSource(record.Source),
		GeneratedAt:   time.Unix(record.SnapshotAtS, 0).UTC(),
		Checksum:      record.Checksum,
		UpdateSeen:    updateSeen,
	}, nil
}
