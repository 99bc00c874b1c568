package document

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLogAppend     = "document.log.append"
	opLogCheckpoint = "document.log.checkpoint"
	opLogCount      = "document.log.count"
	opLogPurge      = "document.log.purge"

	replayBatchSize = 200

	fieldDocumentID = "document_id"
	fieldUpdateID   = "update_id"

	queryDocument       = "document_id = ?"
	queryActive         = "document_id = ? AND compacted_into IS NULL"
	queryActiveOriginal = "document_id = ? AND compacted_into IS NULL AND compacted = ?"
	queryReplayCursor   = "document_id = ? AND compacted_into IS NULL AND update_id > ?"

	reasonMissingDatabase = "missing_database"
	reasonEmptyPayload    = "empty_payload"
	reasonInsertFailed    = "insert_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonQueryFailed     = "query_failed"
	reasonMarkFailed      = "mark_failed"
	reasonVerifyFailed    = "verify_failed"
	reasonDeleteFailed    = "delete_failed"
)

// ErrInvalidUpdate indicates that an update payload was rejected before
// persistence.
var ErrInvalidUpdate = errors.New("document: invalid update")

// UpdateLogConfig describes the dependencies of the durable update log.
type UpdateLogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// UpdateLog is the append-only, replayable store of accepted updates.
// The only permitted mutation is setting the compaction pointer on
// superseded records; physical deletion happens only after the retention
// window elapses.
type UpdateLog struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewUpdateLog constructs the durable update log.
func NewUpdateLog(cfg UpdateLogConfig) (*UpdateLog, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLogAppend, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &UpdateLog{
		db:     cfg.Database,
		clock:  clock,
		logger: logWith(cfg.Logger),
	}, nil
}

// AppendOutcome captures the stored outcome for one appended update.
type AppendOutcome struct {
	updateID  UpdateID
	duplicate bool
}

// UpdateID returns the stored update identifier.
func (outcome AppendOutcome) UpdateID() UpdateID {
	return outcome.updateID
}

// Duplicate reports whether an identical payload was already stored.
func (outcome AppendOutcome) Duplicate() bool {
	return outcome.duplicate
}

// Append durably stores one update payload. Identical payloads for the
// same document deduplicate onto the original record.
func (l *UpdateLog) Append(ctx context.Context, documentID DocumentID, payload []byte, authorID AuthorID) (AppendOutcome, error) {
	if len(payload) == 0 {
		return AppendOutcome{}, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}

	payloadHash := hashPayload(payload)
	record := UpdateRecord{
		DocumentID:       documentID.String(),
		PayloadB64:       base64.StdEncoding.EncodeToString(payload),
		PayloadHash:      payloadHash,
		AuthorID:         authorID.String(),
		CreatedAtSeconds: l.clock().UTC().Unix(),
		CompactedCount:   1,
	}

	createResult := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if createResult.Error != nil {
		l.logger.Error("update append failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(createResult.Error))
		return AppendOutcome{}, newServiceError(opLogAppend, reasonInsertFailed, createResult.Error)
	}

	duplicate := createResult.RowsAffected == 0
	updateID := record.UpdateID
	if duplicate {
		var existing UpdateRecord
		err := l.db.WithContext(ctx).Select(fieldUpdateID).
			Where("document_id = ? AND payload_hash = ?", documentID.String(), payloadHash).
			Take(&existing).Error
		if err != nil {
			l.logger.Error("duplicate update lookup failed",
				zap.String(fieldDocumentID, documentID.String()),
				zap.Error(err))
			return AppendOutcome{}, newServiceError(opLogAppend, reasonLookupFailed, err)
		}
		updateID = existing.UpdateID
	}

	id, idErr := NewUpdateID(updateID)
	if idErr != nil {
		return AppendOutcome{}, newServiceError(opLogAppend, reasonLookupFailed, idErr)
	}
	return AppendOutcome{updateID: id, duplicate: duplicate}, nil
}

// CountActive returns the number of live, non-compacted records for a
// document. This feeds the compaction trigger.
func (l *UpdateLog) CountActive(ctx context.Context, documentID DocumentID) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&UpdateRecord{}).
		Where(queryActiveOriginal, documentID.String(), false).
		Count(&count).Error
	if err != nil {
		return 0, newServiceError(opLogCount, reasonQueryFailed, err)
	}
	return count, nil
}

// OldestActiveAt returns the creation time of the oldest live original
// record, or zero when none exist.
func (l *UpdateLog) OldestActiveAt(ctx context.Context, documentID DocumentID) (time.Time, error) {
	var record UpdateRecord
	err := l.db.WithContext(ctx).
		Where(queryActiveOriginal, documentID.String(), false).
		Order(fieldUpdateID + " ASC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, newServiceError(opLogCount, reasonQueryFailed, err)
	}
	return time.Unix(record.CreatedAtSeconds, 0).UTC(), nil
}

// HighWater returns the newest active update id for a document, or zero
// when the log is empty.
func (l *UpdateLog) HighWater(ctx context.Context, documentID DocumentID) (UpdateID, error) {
	var record UpdateRecord
	err := l.db.WithContext(ctx).Select(fieldUpdateID).
		Where(queryActive, documentID.String()).
		Order(fieldUpdateID + " DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newServiceError(opLogCount, reasonQueryFailed, err)
	}
	return UpdateID(record.UpdateID), nil
}

// TrackedDocument pairs a document id with its newest active update id.
type TrackedDocument struct {
	DocumentID string
	HighWater  int64
}

// TrackedDocuments lists every document present in the log with its
// newest active update id. Sweep jobs use this to find stale snapshots.
func (l *UpdateLog) TrackedDocuments(ctx context.Context) ([]TrackedDocument, error) {
	var tracked []TrackedDocument
	err := l.db.WithContext(ctx).Model(&UpdateRecord{}).
		Select("document_id AS document_id, MAX(update_id) AS high_water").
		Where("compacted_into IS NULL").
		Group(fieldDocumentID).
		Scan(&tracked).Error
	if err != nil {
		return nil, newServiceError(opLogCount, reasonQueryFailed, err)
	}
	return tracked, nil
}

// EligibleForCompaction returns live original records created before the
// cutoff, oldest first.
func (l *UpdateLog) EligibleForCompaction(ctx context.Context, documentID DocumentID, cutoff time.Time) ([]UpdateRecord, error) {
	var records []UpdateRecord
	err := l.db.WithContext(ctx).
		Where(queryActiveOriginal+" AND created_at_s <= ?", documentID.String(), false, cutoff.UTC().Unix()).
		Order(fieldUpdateID + " ASC").
		Find(&records).Error
	if err != nil {
		return nil, newServiceError(opLogCount, reasonQueryFailed, err)
	}
	return records, nil
}

// Checkpoint atomically appends one consolidated record superseding the
// given originals and marks their compaction pointers. The verify
// callback observes the post-checkpoint state inside the transaction; a
// verification error rolls the whole checkpoint back.
func (l *UpdateLog) Checkpoint(ctx context.Context, documentID DocumentID, payload []byte, superseded []int64, verify func(tx *gorm.DB, checkpointID int64) error) (UpdateID, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty checkpoint payload", ErrInvalidUpdate)
	}
	if len(superseded) == 0 {
		return 0, fmt.Errorf("%w: no records to supersede", ErrInvalidUpdate)
	}

	now := l.clock().UTC().Unix()
	record := UpdateRecord{
		DocumentID:       documentID.String(),
		PayloadB64:       base64.StdEncoding.EncodeToString(payload),
		PayloadHash:      hashPayload(payload),
		AuthorID:         systemAuthorID,
		CreatedAtSeconds: now,
		Compacted:        true,
		CompactedCount:   int64(len(superseded)),
	}

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opLogCheckpoint, reasonInsertFailed, err)
		}
		err := tx.Model(&UpdateRecord{}).
			Where("document_id = ? AND update_id IN ?", documentID.String(), superseded).
			Updates(map[string]interface{}{
				"compacted_into": record.UpdateID,
				"compacted_at_s": now,
			}).Error
		if err != nil {
			return newServiceError(opLogCheckpoint, reasonMarkFailed, err)
		}
		if verify != nil {
			if err := verify(tx, record.UpdateID); err != nil {
				return newServiceError(opLogCheckpoint, reasonVerifyFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	l.logger.Info("compaction checkpoint written",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64("checkpoint_id", record.UpdateID),
		zap.Int("superseded", len(superseded)))
	return UpdateID(record.UpdateID), nil
}

// PurgeSuperseded physically deletes records whose compaction pointer was
// set before the cutoff. Returns the number of rows removed.
func (l *UpdateLog) PurgeSuperseded(ctx context.Context, cutoff time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("compacted_into IS NOT NULL AND compacted_at_s > 0 AND compacted_at_s <= ?", cutoff.UTC().Unix()).
		Delete(&UpdateRecord{})
	if result.Error != nil {
		l.logger.Error("retention purge failed", zap.Error(result.Error))
		return 0, newServiceError(opLogPurge, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Rebuild replays the full active log into a fresh replica. The replica's
// delta cursor is reset so subsequent deltas cover only new changes.
// Returns the last applied update id and the number of records applied.
func (l *UpdateLog) Rebuild(ctx context.Context, documentID DocumentID) (*Replica, UpdateID, int64, error) {
	replica := NewReplica()
	lastID, applied, err := replayInto(l.db.WithContext(ctx), documentID.String(), 0, replica)
	if err != nil {
		return nil, 0, 0, err
	}
	_ = replica.Checkpoint()
	return replica, UpdateID(lastID), applied, nil
}

// Replay returns a lazy, ordered, restartable iterator over the active
// records for a document, starting after sinceID.
func (l *UpdateLog) Replay(ctx context.Context, documentID DocumentID, sinceID UpdateID) *ReplayIterator {
	return &ReplayIterator{
		db:         l.db.WithContext(ctx),
		documentID: documentID.String(),
		cursor:     sinceID.Int64(),
	}
}

// ReplayIterator walks active update records in update-id order. Each
// batch is fetched lazily; a fresh iterator with the last seen cursor
// resumes where a previous one stopped.
type ReplayIterator struct {
	db         *gorm.DB
	documentID string
	cursor     int64
	batch      []UpdateRecord
	index      int
	exhausted  bool
}

// Next returns the next record, or nil once the log is exhausted.
func (it *ReplayIterator) Next() (*UpdateRecord, error) {
	if it.index >= len(it.batch) {
		if it.exhausted {
			return nil, nil
		}
		var batch []UpdateRecord
		err := it.db.
			Where(queryReplayCursor, it.documentID, it.cursor).
			Order(fieldUpdateID + " ASC").
			Limit(replayBatchSize).
			Find(&batch).Error
		if err != nil {
			return nil, newServiceError("document.log.replay", reasonQueryFailed, err)
		}
		if len(batch) < replayBatchSize {
			it.exhausted = true
		}
		if len(batch) == 0 {
			return nil, nil
		}
		it.batch = batch
		it.index = 0
	}
	record := &it.batch[it.index]
	it.index++
	it.cursor = record.UpdateID
	return record, nil
}

// Cursor returns the last update id handed out, for restarts.
func (it *ReplayIterator) Cursor() int64 {
	return it.cursor
}

// Payload decodes the binary payload stored on a record.
func (record UpdateRecord) Payload() ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(record.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidUpdate)
	}
	return decoded, nil
}

const systemAuthorID = "system"

// replayInto applies every active record after sinceID to the replica
// using the provided handle, which may be a transaction. Returns the last
// applied update id and the number of records applied.
func replayInto(db *gorm.DB, documentID string, sinceID int64, replica *Replica) (int64, int64, error) {
	cursor := sinceID
	var applied int64
	for {
		var batch []UpdateRecord
		err := db.
			Where(queryReplayCursor, documentID, cursor).
			Order(fieldUpdateID + " ASC").
			Limit(replayBatchSize).
			Find(&batch).Error
		if err != nil {
			return cursor, applied, newServiceError("document.log.replay", reasonQueryFailed, err)
		}
		for _, record := range batch {
			payload, payloadErr := record.Payload()
			if payloadErr != nil {
				return cursor, applied, payloadErr
			}
			if applyErr := replica.ApplyUpdate(payload); applyErr != nil {
				return cursor, applied, applyErr
			}
			cursor = record.UpdateID
			applied++
		}
		if len(batch) < replayBatchSize {
			return cursor, applied, nil
		}
	}
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
