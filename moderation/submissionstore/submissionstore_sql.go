package submissionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kompany/tally/moderation/submission"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SubmissionRow struct {
	Category      string `gorm:"primaryKey"`
	SubmissionID  string `gorm:"primaryKey"`
	BasePoints    int64  `gorm:"not null"`
	Beneficiaries string `gorm:"not null"`
	Status        string `gorm:"not null"`
	Multiplier    string `gorm:"not null"`
	JudgedBy      string
	GuildID       string
	ChannelID     string
	ChannelName   string
	AuthorID      string
	CreatedAt     time.Time `gorm:"not null"`
	JudgedAt      *time.Time
}

type PendingSubmission struct {
	SubmissionRow `gorm:"embedded"`
}

type JudgedSubmission struct {
	SubmissionRow `gorm:"embedded"`
}

// SQLStore keeps the pending and judged sets in two tables of a gorm database (sqlite or
// postgres).
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&PendingSubmission{}, &JudgedSubmission{}); err != nil {
		return nil, fmt.Errorf("migrating submission tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func toRow(sub *submission.Submission) (SubmissionRow, error) {
	bens, err := json.Marshal(sub.Beneficiaries)
	if err != nil {
		return SubmissionRow{}, err
	}
	return SubmissionRow{
		Category:      sub.Category,
		SubmissionID:  sub.ID,
		BasePoints:    sub.BasePoints,
		Beneficiaries: string(bens),
		Status:        string(sub.Status),
		Multiplier:    sub.Multiplier.String(),
		JudgedBy:      sub.JudgedBy,
		GuildID:       sub.GuildID,
		ChannelID:     sub.ChannelID,
		ChannelName:   sub.ChannelName,
		AuthorID:      sub.AuthorID,
		CreatedAt:     sub.CreatedAt,
		JudgedAt:      sub.JudgedAt,
	}, nil
}

func (r *SubmissionRow) toSubmission() (*submission.Submission, error) {
	var bens []string
	if err := json.Unmarshal([]byte(r.Beneficiaries), &bens); err != nil {
		return nil, fmt.Errorf("decoding beneficiaries of %s/%s: %w", r.Category, r.SubmissionID, err)
	}
	mult, err := decimal.NewFromString(r.Multiplier)
	if err != nil {
		return nil, fmt.Errorf("decoding multiplier of %s/%s: %w", r.Category, r.SubmissionID, err)
	}
	return &submission.Submission{
		Category:      r.Category,
		ID:            r.SubmissionID,
		BasePoints:    r.BasePoints,
		Beneficiaries: bens,
		Status:        submission.Status(r.Status),
		Multiplier:    mult,
		JudgedBy:      r.JudgedBy,
		GuildID:       r.GuildID,
		ChannelID:     r.ChannelID,
		ChannelName:   r.ChannelName,
		AuthorID:      r.AuthorID,
		CreatedAt:     r.CreatedAt,
		JudgedAt:      r.JudgedAt,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, category, id string) (*submission.Submission, error) {
	var pending PendingSubmission
	err := s.db.WithContext(ctx).Where("category = ? AND submission_id = ?", category, id).Take(&pending).Error
	if err == nil {
		return pending.toSubmission()
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var judged JudgedSubmission
	err = s.db.WithContext(ctx).Where("category = ? AND submission_id = ?", category, id).Take(&judged).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return judged.toSubmission()
}

func (s *SQLStore) PutPending(ctx context.Context, sub *submission.Submission) error {
	if err := checkPending(sub); err != nil {
		return err
	}
	row, err := toRow(sub)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&PendingSubmission{}, &JudgedSubmission{}} {
			var n int64
			if err := tx.Model(model).Where("category = ? AND submission_id = ?", sub.Category, sub.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrExists
			}
		}
		return tx.Create(&PendingSubmission{SubmissionRow: row}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrExists
	}
	return err
}

// PutJudged is a conditional UPDATE on the previous decision, so writers in other
// processes sharing the database cannot overwrite each other.
func (s *SQLStore) PutJudged(ctx context.Context, prev, next *submission.Submission) error {
	if err := checkJudged(next); err != nil {
		return err
	}
	row, err := toRow(next)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&JudgedSubmission{}).
		Where("category = ? AND submission_id = ? AND status = ? AND multiplier = ?",
			next.Category, next.ID, string(prev.Status), prev.Multiplier.String()).
		Select("status", "multiplier", "judged_by", "judged_at").
		Updates(&JudgedSubmission{SubmissionRow: row})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&JudgedSubmission{}).
		Where("category = ? AND submission_id = ?", next.Category, next.ID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *SQLStore) MoveToJudged(ctx context.Context, sub *submission.Submission) error {
	if err := checkJudged(sub); err != nil {
		return err
	}
	row, err := toRow(sub)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("category = ? AND submission_id = ?", sub.Category, sub.ID).Delete(&PendingSubmission{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&JudgedSubmission{SubmissionRow: row}).Error
	})
}

func (s *SQLStore) ListPending(ctx context.Context, category string) ([]*submission.Submission, error) {
	var rows []PendingSubmission
	if err := s.db.WithContext(ctx).Where("category = ?", category).Order("submission_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*submission.Submission, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toSubmission()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// Close is a no-op; the gorm handle is shared and owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}
