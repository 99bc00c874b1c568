package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAutosave = "document.autosave"

	autosaveAuthorID = "autosave"
)

// VersionConflictError reports a compare-and-swap failure, carrying the
// stored version and content so the caller can fast-forward and retry.
// It is never auto-resolved.
type VersionConflictError struct {
	CurrentVersion Version
	CurrentContent []Block
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("document: version conflict: stored version is %d", e.CurrentVersion.Int64())
}

// AutosaveGatewayConfig describes the dependencies of the autosave
// gateway.
type AutosaveGatewayConfig struct {
	Database    *gorm.DB
	Log         *UpdateLog
	Broadcaster Broadcaster
	Apply       RelayApplyFunc
	Clock       func() time.Time
	Logger      *zap.Logger
}

// AutosaveGateway accepts CAS-protected full-content writes from
// non-realtime callers. An accepted write is folded into the update log
// as a regular delta so that replay, live replicas, and snapshots all
// converge on it; stale writes fail with VersionConflictError instead of
// clobbering newer collaborative edits.
type AutosaveGateway struct {
	db          *gorm.DB
	log         *UpdateLog
	broadcaster Broadcaster
	apply       RelayApplyFunc
	clock       func() time.Time
	logger      *zap.Logger
}

// NewAutosaveGateway constructs the gateway.
func NewAutosaveGateway(cfg AutosaveGatewayConfig) (*AutosaveGateway, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAutosave, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, newServiceError(opAutosave, "missing_log", errMissingLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AutosaveGateway{
		db:          cfg.Database,
		log:         cfg.Log,
		broadcaster: cfg.Broadcaster,
		apply:       cfg.Apply,
		clock:       clock,
		logger:      logWith(cfg.Logger),
	}, nil
}

// Update persists full content if and only if the stored version equals
// baseVersion and the log holds no content the snapshot has not caught
// up with, atomically incrementing the version. A document with no
// snapshot and no history accepts baseVersion 0. A conflict carries the
// replayed log content, realtime edits included.
func (g *AutosaveGateway) Update(ctx context.Context, documentID DocumentID, baseVersion Version, blocks []Block) (Snapshot, error) {
	contentJSON, err := EncodeBlocks(blocks)
	if err != nil {
		return Snapshot{}, newServiceError(opAutosave, "encode_failed", err)
	}
	checksum, err := ChecksumBlocks(blocks)
	if err != nil {
		return Snapshot{}, newServiceError(opAutosave, "checksum_failed", err)
	}

	now := g.clock().UTC().Unix()
	var stored SnapshotRecord
	var delta []byte
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SnapshotRecord
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocument, documentID.String()).
			Take(&existing).Error
		exists := true
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			exists = false
		} else if lookupErr != nil {
			return newServiceError(opAutosave, reasonQueryFailed, lookupErr)
		}

		replica := NewReplica()
		lastID, applied, replayErr := replayInto(tx, documentID.String(), 0, replica)
		if replayErr != nil {
			return newServiceError(opAutosave, "replay_failed", replayErr)
		}

		currentVersion := int64(0)
		currentSeen := int64(0)
		baseline := ""
		if exists {
			currentVersion = existing.Version
			currentSeen = existing.UpdateSeen
			baseline = existing.Checksum
		}
		conflicted := currentVersion != baseVersion.Int64()
		if !conflicted && lastID > currentSeen {
			// Realtime deltas land in the log without bumping the snapshot
			// version, so a matching base version is not enough: the write
			// is stale when the log advanced past the snapshot with content
			// the caller has not seen. Compaction checkpoints also move the
			// log head, hence the checksum comparison over a plain id one.
			liveChecksum, checksumErr := replica.Checksum()
			if checksumErr != nil {
				return newServiceError(opAutosave, "checksum_failed", checksumErr)
			}
			if baseline == "" {
				emptyChecksum, emptyErr := ChecksumBlocks(nil)
				if emptyErr != nil {
					return newServiceError(opAutosave, "checksum_failed", emptyErr)
				}
				baseline = emptyChecksum
			}
			conflicted = liveChecksum != baseline
		}
		if conflicted {
			currentBlocks := []Block{}
			if applied > 0 {
				liveBlocks, blocksErr := replica.Blocks()
				if blocksErr != nil {
					return newServiceError(opAutosave, "decode_failed", blocksErr)
				}
				currentBlocks = liveBlocks
			} else if exists {
				decoded, decodeErr := DecodeBlocks(existing.ContentJSON)
				if decodeErr != nil {
					return newServiceError(opAutosave, "decode_failed", decodeErr)
				}
				currentBlocks = decoded
			}
			return &VersionConflictError{
				CurrentVersion: Version(currentVersion),
				CurrentContent: currentBlocks,
			}
		}

		// Fold the accepted content into the update log so replay and
		// live replicas converge on it.
		_ = replica.Checkpoint()
		if setErr := replica.SetBlocks(blocks); setErr != nil {
			return newServiceError(opAutosave, "apply_failed", setErr)
		}
		delta = replica.Delta()
		updateSeen := lastID
		if len(delta) > 0 {
			record := UpdateRecord{
				DocumentID:       documentID.String(),
				PayloadB64:       base64.StdEncoding.EncodeToString(delta),
				PayloadHash:      hashPayload(delta),
				AuthorID:         autosaveAuthorID,
				CreatedAtSeconds: now,
				CompactedCount:   1,
			}
			if createErr := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; createErr != nil {
				return newServiceError(opAutosave, reasonInsertFailed, createErr)
			}
			if record.UpdateID > 0 {
				updateSeen = record.UpdateID
			}
		}

		if !exists {
			stored = SnapshotRecord{
				DocumentID:    documentID.String(),
				ContentJSON:   contentJSON,
				Version:       1,
				SchemaVersion: 1,
				Source:        string(SnapshotSourceMigrated),
				SnapshotAtS:   now,
				Checksum:      checksum,
				UpdateSeen:    updateSeen,
				ModifiedAtS:   now,
			}
			return tx.Create(&stored).Error
		}
		existing.ContentJSON = contentJSON
		existing.Version++
		existing.Source = string(SnapshotSourceMigrated)
		existing.SnapshotAtS = now
		existing.Checksum = checksum
		existing.UpdateSeen = updateSeen
		existing.ModifiedAtS = now
		stored = existing
		return tx.Save(&existing).Error
	})
	if txErr != nil {
		var conflict *VersionConflictError
		if errors.As(txErr, &conflict) {
			return Snapshot{}, conflict
		}
		g.logger.Error("autosave failed",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Error(txErr))
		return Snapshot{}, txErr
	}

	if len(delta) > 0 {
		if g.apply != nil {
			if applyErr := g.apply(ctx, documentID.String(), delta); applyErr != nil {
				g.logger.Warn("autosave delta not applied to live replica",
					zap.String(fieldDocumentID, documentID.String()),
					zap.Error(applyErr))
			}
		}
		if g.broadcaster != nil {
			g.broadcaster.Publish(Envelope{
				DocumentID: documentID.String(),
				Kind:       EnvelopeKindSync,
				Payload:    delta,
				Origin:     autosaveAuthorID,
			})
		}
	}
	return snapshotFromRecord(stored)
}
