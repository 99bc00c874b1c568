package database

import (
	"errors"
	"time"

	"github.com/cjliu2003/writersroom/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCompactedCount = "2026-07-14_backfill_update_compacted_count"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCompactedCount, apply: backfillCompactedCount},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the compacted_count column existed carry a zero
// count; every original update represents exactly one applied delta.
func backfillCompactedCount(db *gorm.DB) error {
	return db.Model(&document.UpdateRecord{}).
		Where("compacted_count = 0 AND compacted = ?", false).
		Update("compacted_count", 1).Error
}
