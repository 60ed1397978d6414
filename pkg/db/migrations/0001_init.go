package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

type BackupSnapshot struct {
	ID            uuid.UUID `gorm:"type:text;primaryKey"`
	IntegrationID string    `gorm:"type:text;not null;index:idx_snapshots_integration_order,priority:1"`
	Seq           int64     `gorm:"not null;index:idx_snapshots_integration_order,priority:3"`
	Source        string    `gorm:"type:text;not null"`
	Payload       []byte    `gorm:"not null"`
	SHA256        string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_snapshots_integration_order,priority:2"`
}

type JobHistory struct {
	ID             uuid.UUID `gorm:"type:text;primaryKey"`
	IntegrationID  string    `gorm:"type:text;not null;index"`
	Trigger        string    `gorm:"type:text;not null"`
	Method         string    `gorm:"type:text"`
	Phase          string    `gorm:"type:text;not null"`
	Outcome        string    `gorm:"type:text;not null"`
	FromVersion    string    `gorm:"type:text"`
	TargetVersion  string    `gorm:"type:text"`
	LastError      string    `gorm:"type:text"`
	ErrorPhase     string    `gorm:"type:text"`
	Degraded       bool      `gorm:"not null;default:false"`
	InstalledState string    `gorm:"type:text"`
	Details        datatypes.JSONMap
	StartedAt      time.Time `gorm:"not null;index"`
	FinishedAt     time.Time `gorm:"not null"`
}

func (JobHistory) TableName() string { return "job_history" }

type ManagerSetting struct {
	ID        int            `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

type NotificationMark struct {
	Key    string    `gorm:"type:text;primaryKey"`
	SentAt time.Time `gorm:"not null"`
}

// All returns the ordered migration set for the given gorm dialect name.
func All(dialect string) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: upInit(dialect)},
			&goose.GoFunc{RunTx: downInit(dialect)},
		),
	}
}

func openTx(dialect string, tx *sql.Tx) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if dialect == "postgres" {
		dialector = postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true})
	} else {
		dialector = sqlite.New(sqlite.Config{Conn: tx})
	}
	return gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(dialect string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		gormDB, err := openTx(dialect, tx)
		if err != nil {
			return err
		}

		return gormDB.WithContext(ctx).AutoMigrate(
			&BackupSnapshot{},
			&JobHistory{},
			&ManagerSetting{},
			&NotificationMark{},
		)
	}
}

func downInit(dialect string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		gormDB, err := openTx(dialect, tx)
		if err != nil {
			return err
		}

		return gormDB.WithContext(ctx).Migrator().DropTable(
			&NotificationMark{},
			&ManagerSetting{},
			&JobHistory{},
			&BackupSnapshot{},
		)
	}
}
