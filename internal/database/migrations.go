package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillJoinLabels = "2026-08-20_backfill_join_labels"

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
		{name: migrationBackfillJoinLabels, apply: backfillJoinLabels},
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

// backfillJoinLabels repairs records provisioned before the join label was
// stamped at creation time, deriving it from the creation timestamp.
func backfillJoinLabels(db *gorm.DB) error {
	var records []users.Record
	if err := db.Where("joined = '' AND created_at_s > 0").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		label := users.JoinLabel(time.Unix(record.CreatedAtSeconds, 0).UTC())
		err := db.Model(&users.Record{}).
			Where("subject = ?", record.Subject).
			Update("joined", label).Error
		if err != nil {
			return err
		}
	}
	return nil
}
