package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

type KothEventRow struct {
	gorm.Model
	Name         string `gorm:"not null"`
	PointsPerTag int64  `gorm:"not null"`
	StartedAt    time.Time
	EndedAt      *time.Time `gorm:"index"`
}

func (KothEventRow) TableName() string {
	return "koth_events"
}

func (r *KothEventRow) toEvent() *KothEvent {
	return &KothEvent{
		Name:         r.Name,
		PointsPerTag: r.PointsPerTag,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
}

// SQLKothEvents persists event history in a gorm database and caches the active event.
type SQLKothEvents struct {
	db     *gorm.DB
	logger *slog.Logger

	mu      sync.RWMutex
	current *KothEvent
}

var _ KothEvents = (*SQLKothEvents)(nil)

func NewSQLKothEvents(ctx context.Context, db *gorm.DB, logger *slog.Logger) (*SQLKothEvents, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&KothEventRow{}); err != nil {
		return nil, fmt.Errorf("migrating koth table: %w", err)
	}
	k := &SQLKothEvents{db: db, logger: logger}
	row, err := k.active(db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if row != nil {
		k.current = row.toEvent()
		logger.Info("resuming koth event", "name", row.Name, "points_per_tag", row.PointsPerTag)
	}
	return k, nil
}

func (k *SQLKothEvents) active(tx *gorm.DB) (*KothEventRow, error) {
	var row KothEventRow
	err := tx.Where("ended_at IS NULL").Order("id desc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active koth event: %w", err)
	}
	return &row, nil
}

func (k *SQLKothEvents) Start(ctx context.Context, name string, pointsPerTag int64) (*KothEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	row := KothEventRow{
		Name:         name,
		PointsPerTag: pointsPerTag,
		StartedAt:    time.Now().UTC(),
	}
	err := k.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := k.active(tx)
		if err != nil {
			return err
		}
		if cur != nil {
			return ErrEventActive
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	k.current = row.toEvent()
	k.logger.Info("koth event started", "name", name, "points_per_tag", pointsPerTag)
	out := *k.current
	return &out, nil
}

func (k *SQLKothEvents) End(ctx context.Context) (*KothEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var ended *KothEvent
	err := k.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := k.active(tx)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNoActiveEvent
		}
		now := time.Now().UTC()
		if err := tx.Model(cur).Update("ended_at", now).Error; err != nil {
			return err
		}
		cur.EndedAt = &now
		ended = cur.toEvent()
		return nil
	})
	if err != nil {
		return nil, err
	}
	k.current = nil
	k.logger.Info("koth event ended", "name", ended.Name)
	return ended, nil
}

func (k *SQLKothEvents) Current() *KothEvent {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current == nil {
		return nil
	}
	out := *k.current
	return &out
}
