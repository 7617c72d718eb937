package database

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/meshsar/beacon/backend/internal/identity"
	"github.com/meshsar/beacon/backend/internal/sos"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Records written before the checksum column existed carry no sender_crc.
// This migration derives it, mirroring the schema revision that introduced
// crc-based relay identity.
const migrationBackfillSenderCrc = "2026-01-07_backfill_sender_crc"

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
		{name: migrationBackfillSenderCrc, apply: backfillSenderCrc},
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

var backfillPlaceholderPattern = regexp.MustCompile(`^ble-device-(\d+)$`)

func backfillSenderCrc(db *gorm.DB) error {
	var records []sos.SOSRecord
	if err := db.Where("sender_crc IS NULL").Find(&records).Error; err != nil {
		return err
	}

	for _, record := range records {
		var crc uint32
		if match := backfillPlaceholderPattern.FindStringSubmatch(record.SenderDeviceID); match != nil {
			value, err := strconv.ParseUint(match[1], 10, 32)
			if err != nil {
				continue
			}
			crc = uint32(value)
		} else {
			crc = identity.Checksum(record.SenderDeviceID)
		}
		if err := db.Model(&sos.SOSRecord{}).
			Where("id = ?", record.ID).
			Update("sender_crc", crc).Error; err != nil {
			return err
		}
	}
	return nil
}
