package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"primaryKey;index"`
	Name         string `gorm:"not null"`
	Type         string
	Size         int64 `gorm:"not null"`
	PageCount    int
	LastModified time.Time
	Backend      string `gorm:"not null;default:local"`
	FilePath     string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type AudiobookModel struct {
	BookID    string `gorm:"primaryKey"`
	OwnerID   string `gorm:"primaryKey;index"`
	Title     string
	Settings  datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type ChapterModel struct {
	BookID       string `gorm:"primaryKey"`
	OwnerID      string `gorm:"primaryKey"`
	ChapterIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Title        string `gorm:"not null"`
	Format       string `gorm:"not null"`
	DurationSec  float64
	Backend      string `gorm:"not null;default:local"`
	FilePath     string
	CreatedAt    time.Time `gorm:"not null"`
}

// MigrationStateModel is a single-row table keyed by migrationStateID.
type MigrationStateModel struct {
	ID                   string `gorm:"primaryKey"`
	DocumentsV1Migrated  bool   `gorm:"not null;default:false"`
	AudiobooksV1Migrated bool   `gorm:"not null;default:false"`
	UpdatedAt            time.Time
}
