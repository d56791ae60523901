package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PointEntry is one signed delta. Balances are the sum of a user's entries in a category.
type PointEntry struct {
	ID        uint64 `gorm:"primaryKey"`
	Category  string `gorm:"index:idx_point_entries_user,priority:1;not null"`
	UserID    string `gorm:"index:idx_point_entries_user,priority:2;not null"`
	Amount    int64  `gorm:"not null"`
	CreatedAt time.Time
}

// SQLLedger appends point entries to a gorm database.
type SQLLedger struct {
	db *gorm.DB
}

var _ Ledger = (*SQLLedger)(nil)

func NewSQLLedger(db *gorm.DB) (*SQLLedger, error) {
	if err := db.AutoMigrate(&PointEntry{}); err != nil {
		return nil, fmt.Errorf("migrating ledger table: %w", err)
	}
	return &SQLLedger{db: db}, nil
}

func (l *SQLLedger) Credit(ctx context.Context, category, userID string, amount int64) error {
	entry := PointEntry{
		Category: category,
		UserID:   userID,
		Amount:   amount,
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording %d points for %s: %w", amount, userID, err)
	}
	return nil
}

func (l *SQLLedger) Balance(ctx context.Context, category, userID string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&PointEntry{}).
		Select("CAST(COALESCE(SUM(amount), 0) AS BIGINT)").
		Where("category = ? AND user_id = ?", category, userID).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
