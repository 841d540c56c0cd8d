package db

import (
	"fmt"

	"github.com/zulandar/mathreel/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by mathreel.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.SessionEvent{},
		&models.ReviewRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
