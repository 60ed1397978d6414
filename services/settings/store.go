package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingsRowID = 1

type settingsModel struct {
	ID        int            `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (settingsModel) TableName() string { return "manager_settings" }

// Store persists Settings and serves the current value to readers.
type Store struct {
	orm *gorm.DB
	now func() time.Time

	mu      sync.RWMutex
	current Settings
}

// NewStore creates a settings store backed by orm. The current value starts at Default
// until Load is called.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, now: time.Now, current: Default()}, nil
}

// Current returns a copy of the active settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Load reads persisted settings into memory, keeping defaults when nothing was saved.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	var row settingsModel
	err := s.orm.WithContext(ctx).First(&row, settingsRowID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.Current(), nil
	case err != nil:
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	loaded := Default()
	if err := json.Unmarshal(row.Data, &loaded); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return Settings{}, fmt.Errorf("stored settings invalid: %w", err)
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return loaded, nil
}

// Save validates and persists next, then makes it current.
func (s *Store) Save(ctx context.Context, next Settings) error {
	if err := s.Apply(ctx, s.orm, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return nil
}

// Apply writes next through tx without touching the in-memory value. Callers running
// inside a larger transaction call Load after commit.
func (s *Store) Apply(ctx context.Context, tx *gorm.DB, next Settings) error {
	if tx == nil {
		return errors.New("tx is required")
	}
	if err := next.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	row := settingsModel{ID: settingsRowID, Data: datatypes.JSON(data), UpdatedAt: s.now().UTC()}
	err = tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
