package db

import (
	"errors"
	"fmt"

	"github.com/zulandar/convoyops/internal/config"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every persisted model, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Vehicle{},
		&models.Mission{},
		&models.Waypoint{},
		&models.Alert{},
		&models.PcMessage{},
		&models.ConnectionLog{},
		&models.RouteChange{},
		&models.PositionSample{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Reset drops every table and migrates them again.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return AutoMigrate(db)
}

// SeedVehicles creates one vehicle row per role at its staging point.
// Existing rows keep their last known position.
func SeedVehicles(db *gorm.DB, cfg *config.Config) error {
	for _, role := range models.AllRoles {
		p := cfg.StagingPoint(role)
		v := models.Vehicle{Role: role, Lat: p.Lat, Lng: p.Lng}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role"}},
			DoNothing: true,
		}).Create(&v)
		if result.Error != nil {
			return fmt.Errorf("db: seed vehicle %s: %w", role, result.Error)
		}
	}
	return nil
}

// LoadState reads every persisted entity, for hydrating a store.Store.
func LoadState(db *gorm.DB) (store.State, error) {
	var st store.State
	loads := []struct {
		name  string
		dest  interface{}
		order string
	}{
		{"vehicles", &st.Vehicles, "role"},
		{"alerts", &st.Alerts, "created_at"},
		{"waypoints", &st.Waypoints, "order_index"},
		{"messages", &st.Messages, "created_at"},
		{"connection log", &st.ConnectionLog, "id"},
		{"route changes", &st.RouteChanges, "id"},
		{"positions", &st.Positions, "id"},
	}
	for _, l := range loads {
		if err := db.Order(l.order).Find(l.dest).Error; err != nil {
			return store.State{}, fmt.Errorf("db: load %s: %w", l.name, err)
		}
	}

	var ms models.Mission
	err := db.Order("id desc").First(&ms).Error
	switch {
	case err == nil:
		st.Mission = &ms
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return store.State{}, fmt.Errorf("db: load mission: %w", err)
	}
	return st, nil
}
