package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/submission"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AuditRecord struct {
	ID             uint64 `gorm:"primaryKey"`
	Kind           string `gorm:"not null"`
	Category       string `gorm:"index:idx_audit_records_submission,priority:1;not null"`
	SubmissionID   string `gorm:"index:idx_audit_records_submission,priority:2;not null"`
	ReviewerID     string `gorm:"not null"`
	Status         string `gorm:"not null"`
	Multiplier     string
	PrevMultiplier string
	Points         int64
	Beneficiaries  string
	GuildID        string
	ChannelID      string
	ChannelName    string
	At             time.Time `gorm:"not null"`
}

// SQLLog appends every event to the audit_records table.
type SQLLog struct {
	db *gorm.DB
}

var _ engine.Notifier = (*SQLLog)(nil)

func NewSQLLog(db *gorm.DB) (*SQLLog, error) {
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit table: %w", err)
	}
	return &SQLLog{db: db}, nil
}

func (l *SQLLog) Notify(ctx context.Context, evt *engine.AuditEvent) error {
	bens, err := json.Marshal(evt.Beneficiaries)
	if err != nil {
		return err
	}
	rec := AuditRecord{
		Kind:           string(evt.Kind),
		Category:       evt.Category,
		SubmissionID:   evt.SubmissionID,
		ReviewerID:     evt.ReviewerID,
		Status:         string(evt.Status),
		Multiplier:     evt.Multiplier.String(),
		PrevMultiplier: evt.PrevMultiplier.String(),
		Points:         evt.Points,
		Beneficiaries:  string(bens),
		GuildID:        evt.GuildID,
		ChannelID:      evt.ChannelID,
		ChannelName:    evt.ChannelName,
		At:             evt.At,
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording audit event for %s/%s: %w", evt.Category, evt.SubmissionID, err)
	}
	return nil
}

// History returns the audit events of one submission, oldest first.
func (l *SQLLog) History(ctx context.Context, category, submissionID string) ([]engine.AuditEvent, error) {
	var rows []AuditRecord
	err := l.db.WithContext(ctx).
		Where("category = ? AND submission_id = ?", category, submissionID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]engine.AuditEvent, 0, len(rows))
	for _, r := range rows {
		evt := engine.AuditEvent{
			Kind:         engine.AuditKind(r.Kind),
			Category:     r.Category,
			SubmissionID: r.SubmissionID,
			ReviewerID:   r.ReviewerID,
			Status:       submission.Status(r.Status),
			Points:       r.Points,
			GuildID:      r.GuildID,
			ChannelID:    r.ChannelID,
			ChannelName:  r.ChannelName,
			At:           r.At,
		}
		if evt.Multiplier, err = decimal.NewFromString(r.Multiplier); err != nil {
			return nil, fmt.Errorf("decoding audit multiplier: %w", err)
		}
		if evt.PrevMultiplier, err = decimal.NewFromString(r.PrevMultiplier); err != nil {
			return nil, fmt.Errorf("decoding audit multiplier: %w", err)
		}
		if err := json.Unmarshal([]byte(r.Beneficiaries), &evt.Beneficiaries); err != nil {
			return nil, fmt.Errorf("decoding audit beneficiaries: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}
