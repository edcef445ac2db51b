package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexRegistrationPeriod = "2025-08-01_index_registration_period"
	migrationIndexLogbookTeam        = "2025-09-01_index_logbook_team"
)

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
		{name: migrationIndexRegistrationPeriod, apply: indexRegistrationPeriod},
		{name: migrationIndexLogbookTeam, apply: indexLogbookTeam},
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

// Admin listings filter registrations by period, year and status.
func indexRegistrationPeriod(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_registration_period ON documents (
		collection,
		json_extract(body, '$.orPeriod'),
		json_extract(body, '$.orYear'),
		json_extract(body, '$.status')
	)`).Error
}

func indexLogbookTeam(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_logbook_team ON documents (
		collection,
		json_extract(body, '$.team'),
		json_extract(body, '$.activityDate')
	)`).Error
}
