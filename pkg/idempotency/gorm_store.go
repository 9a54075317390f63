package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps records in iam.idempotency_records through gorm. It serves
// services that already hold a *gorm.DB instead of a pgx pool.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewGormStore(db *gorm.DB, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, logger: logger}
}

type recordModel struct {
	Key          string    `gorm:"column:key;primaryKey"`
	Fingerprint  string    `gorm:"column:fingerprint"`
	Status       string    `gorm:"column:status"`
	Result       []byte    `gorm:"column:result"`
	ErrorMessage string    `gorm:"column:error_message"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	ExpiresAt    time.Time `gorm:"column:expires_at"`
}

func (recordModel) TableName() string {
	return "iam.idempotency_records"
}

func (m recordModel) record() Record {
	return Record{
		Key:          m.Key,
		Fingerprint:  m.Fingerprint,
		Status:       Status(m.Status),
		Result:       m.Result,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt.UTC(),
		ExpiresAt:    m.ExpiresAt.UTC(),
	}
}

func (s *GormStore) Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	key := strings.TrimSpace(rec.Key)
	var (
		existing Record
		won      bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at <= ?", key, now.UTC()).
			Delete(&recordModel{}).Error; err != nil {
			return err
		}
		row := recordModel{
			Key:         key,
			Fingerprint: rec.Fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   rec.CreatedAt.UTC(),
			ExpiresAt:   rec.ExpiresAt.UTC(),
		}
		create := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&row)
		if create.Error != nil {
			return create.Error
		}
		if create.RowsAffected > 0 {
			won = true
			return nil
		}
		var cur recordModel
		if err := tx.Where("key = ?", key).First(&cur).Error; err != nil {
			return err
		}
		existing = cur.record()
		return nil
	})
	if err != nil {
		return Record{}, false, s.logError("idempotency_repo_claim_failed", err, "idempotency_key", key)
	}
	return existing, won, nil
}

func (s *GormStore) Finish(ctx context.Context, key string, claimedAt time.Time, status Status, result []byte, errMsg string) error {
	res := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("key = ? AND status = ? AND created_at = ?", key, string(StatusPending), claimedAt.UTC()).
		Updates(map[string]any{
			"status":        string(status),
			"result":        result,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return s.logError("idempotency_repo_finish_failed", res.Error, "idempotency_key", key)
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	var row recordModel
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", strings.TrimSpace(key), now.UTC()).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, s.logError("idempotency_repo_get_failed", err, "idempotency_key", key)
	}
	return row.record(), true, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&recordModel{})
	if res.Error != nil {
		return 0, s.logError("idempotency_repo_prune_failed", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("idempotency repository operation failed", fields...)
	return err
}
