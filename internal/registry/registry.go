// Package registry persists measured airfield elevations across sessions.
// Elevation is derived reference data observed while parked on a runway;
// re-attaching it in later sessions gives altitude calls a ground
// reference the telemetry source itself never provides.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/link18/tacsync/internal/config"
)

// keyPrecision rounds positions so repeated observations of the same
// runway from slightly different parking spots share one record.
const keyPrecision = "%.3f_%.3f"

// KnownAirfield is one persisted elevation observation.
type KnownAirfield struct {
	ID        uint   `gorm:"primarykey"`
	Key       string `gorm:"uniqueIndex"`
	X         float64
	Y         float64
	Elevation float64
	// Details carries observation metadata (vehicle, speed) for later
	// plausibility checks.
	Details   datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observation is the metadata stored alongside an elevation record.
type Observation struct {
	Vehicle string  `json:"vehicle,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// Registry records and looks up airfield elevations.
type Registry interface {
	Record(x, y, elevation float64, obs Observation) error
	Lookup(x, y float64) (float64, bool)
	Close() error
}

// Key derives the registry key for a normalized position.
func Key(x, y float64) string {
	return fmt.Sprintf(keyPrecision, x, y)
}

// Open connects the configured backend. Any failure degrades to a no-op
// registry with a warning; elevation persistence is never worth failing
// startup over.
func Open(cfg config.RegistryConfig, log zerolog.Logger) Registry {
	log = log.With().Str("component", "registry").Logger()

	db, err := openDB(cfg)
	if err != nil {
		log.Warn().Err(err).Str("backend", cfg.Backend).Msg("registry unavailable, elevations will not persist")
		return Noop()
	}
	if err := db.AutoMigrate(&KnownAirfield{}); err != nil {
		log.Warn().Err(err).Msg("registry migration failed, elevations will not persist")
		return Noop()
	}

	log.Info().Str("backend", cfg.Backend).Msg("registry ready")
	return &gormRegistry{db: db, log: log}
}

func openDB(cfg config.RegistryConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Backend {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "file::memory:?cache=shared"
		}
		return gorm.Open(sqlite.Open(path), gormCfg)
	case "postgres":
		return gorm.Open(postgres.New(postgres.Config{
			DSN:                  cfg.DSN(),
			PreferSimpleProtocol: true,
		}), gormCfg)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

type gormRegistry struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Record upserts the elevation for the rounded position. A repeated
// observation of the same runway overwrites the previous value.
func (r *gormRegistry) Record(x, y, elevation float64, obs Observation) error {
	details, err := json.Marshal(obs)
	if err != nil {
		return err
	}

	record := KnownAirfield{
		Key:       Key(x, y),
		X:         x,
		Y:         y,
		Elevation: elevation,
		Details:   details,
	}
	err = r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"elevation", "details", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("recording airfield elevation: %w", err)
	}
	r.log.Debug().Str("key", record.Key).Float64("elevation", elevation).Msg("airfield elevation recorded")
	return nil
}

func (r *gormRegistry) Lookup(x, y float64) (float64, bool) {
	var record KnownAirfield
	err := r.db.Where("key = ?", Key(x, y)).First(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.log.Warn().Err(err).Msg("registry lookup failed")
		}
		return 0, false
	}
	return record.Elevation, true
}

func (r *gormRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Noop returns a registry that records nothing and knows nothing.
func Noop() Registry {
	return noopRegistry{}
}

type noopRegistry struct{}

func (noopRegistry) Record(x, y, elevation float64, obs Observation) error { return nil }
func (noopRegistry) Lookup(x, y float64) (float64, bool)                   { return 0, false }
func (noopRegistry) Close() error                                          { return nil }
