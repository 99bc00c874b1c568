package document

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	opDivergenceCheck = "document.divergence.check"
	opDivergenceSweep = "document.divergence.sweep"
)

// Severity grades how alarming a detected divergence is.
type Severity string

const (
	// SeverityNone means live and stored state agree.
	SeverityNone Severity = "none"
	// SeverityMinor means the stored snapshot merely lags the log; safe to
	// repair by re-materializing.
	SeverityMinor Severity = "minor"
	// SeverityCritical means the snapshot claims to cover the log head yet
	// disagrees with it; overwriting could mask real data loss.
	SeverityCritical Severity = "critical"
)

func severityRank(severity Severity) int {
	switch severity {
	case SeverityMinor:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// DivergenceReport captures the outcome of one consistency check. Reports
// are transient and never persisted.
type DivergenceReport struct {
	DocumentID       DocumentID
	Diverged         bool
	LiveChecksum     string
	SnapshotChecksum string
	Severity         Severity
	Repaired         bool
}

// DetectorConfig describes the dependencies of the divergence detector.
type DetectorConfig struct {
	Log          *UpdateLog
	Materializer *Materializer
	Logger       *zap.Logger
	// RepairBelow bounds auto-repair: divergences strictly below this
	// severity are repaired by re-materializing; at or above it an
	// operator alert is raised instead. Defaults to critical.
	RepairBelow Severity
}

// Detector cross-checks replay-derived state against stored snapshots and
// repairs safe drift.
type Detector struct {
	log          *UpdateLog
	materializer *Materializer
	logger       *zap.Logger
	repairBelow  Severity
}

// NewDetector constructs the divergence detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Log == nil {
		return nil, newServiceError(opDivergenceCheck, "missing_log", errMissingLog)
	}
	if cfg.Materializer == nil {
		return nil, newServiceError(opDivergenceCheck, "missing_materializer", errors.New("materializer is required"))
	}
	repairBelow := cfg.RepairBelow
	if repairBelow == "" {
		repairBelow = SeverityCritical
	}
	return &Detector{
		log:          cfg.Log,
		materializer: cfg.Materializer,
		logger:       logWith(cfg.Logger),
		repairBelow:  repairBelow,
	}, nil
}

// CheckConsistency compares the replay-derived checksum for a document
// against its stored snapshot checksum.
func (d *Detector) CheckConsistency(ctx context.Context, documentID DocumentID) (DivergenceReport, error) {
	report := DivergenceReport{DocumentID: documentID, Severity: SeverityNone}

	replica, lastID, applied, err := d.log.Rebuild(ctx, documentID)
	if err != nil {
		return report, newServiceError(opDivergenceCheck, "replay_failed", err)
	}
	liveChecksum, err := replica.Checksum()
	if err != nil {
		return report, newServiceError(opDivergenceCheck, "checksum_failed", err)
	}
	report.LiveChecksum = liveChecksum

	snapshot, err := d.materializer.Snapshot(ctx, documentID)
	if errors.Is(err, ErrSnapshotNotFound) {
		if applied == 0 {
			return report, nil
		}
		report.Diverged = true
		report.Severity = SeverityMinor
		return report, nil
	}
	if err != nil {
		return report, newServiceError(opDivergenceCheck, reasonQueryFailed, err)
	}
	report.SnapshotChecksum = snapshot.Checksum

	if snapshot.Checksum == liveChecksum {
		return report, nil
	}
	report.Diverged = true
	if snapshot.UpdateSeen.Int64() < lastID.Int64() {
		// Expected lag: the log advanced past the snapshot.
		report.Severity = SeverityMinor
	} else {
		report.Severity = SeverityCritical
	}
	return report, nil
}

// CheckAndRepair runs a consistency check and applies the remediation
// policy: re-materialize below the severity threshold, alert at or above
// it.
func (d *Detector) CheckAndRepair(ctx context.Context, documentID DocumentID) (DivergenceReport, error) {
	report, err := d.CheckConsistency(ctx, documentID)
	if err != nil || !report.Diverged {
		return report, err
	}

	if severityRank(report.Severity) >= severityRank(d.repairBelow) {
		d.logger.Error("divergence above repair threshold, operator attention required",
			zap.String(fieldDocumentID, documentID.String()),
			zap.String("severity", string(report.Severity)),
			zap.String("live_checksum", report.LiveChecksum),
			zap.String("snapshot_checksum", report.SnapshotChecksum))
		return report, nil
	}

	if _, err := d.materializer.Materialize(ctx, documentID); err != nil {
		return report, newServiceError(opDivergenceCheck, "repair_failed", err)
	}
	report.Repaired = true
	d.logger.Warn("divergence repaired by re-materialization",
		zap.String(fieldDocumentID, documentID.String()),
		zap.String("severity", string(report.Severity)))
	return report, nil
}

// Sweep checks every tracked document, repairing where policy allows.
func (d *Detector) Sweep(ctx context.Context) error {
	tracked, err := d.log.TrackedDocuments(ctx)
	if err != nil {
		return newServiceError(opDivergenceSweep, reasonQueryFailed, err)
	}
	for _, entry := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		documentID, idErr := NewDocumentID(entry.DocumentID)
		if idErr != nil {
			continue
		}
		if _, err := d.CheckAndRepair(ctx, documentID); err != nil {
			d.logger.Warn("divergence check deferred to next cycle",
				zap.String(fieldDocumentID, entry.DocumentID),
				zap.Error(err))
		}
	}
	return nil
}
