package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// unreachableDB opens a gorm handle whose every statement fails to connect.
func unreachableDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 port=1 user=app dbname=app sslmode=disable connect_timeout=1",
	}), &gorm.Config{DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func TestRecordModel(t *testing.T) {
	if (recordModel{}).TableName() != "iam.idempotency_records" {
		t.Fatal("table name")
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	rec := recordModel{Key: "k", Fingerprint: "fp", Status: "completed", Result: []byte(`1`), CreatedAt: now, ExpiresAt: now}.record()
	if rec.Status != StatusCompleted || rec.CreatedAt.Location() != time.UTC || string(rec.Result) != "1" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestGormStore_UnavailableSurfaces(t *testing.T) {
	store := NewGormStore(unreachableDB(t), discardLogger())
	l := newTestLedger(store)
	_, err := Do(context.Background(), l, "k1", "fp", func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if _, err := l.Prune(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
}
