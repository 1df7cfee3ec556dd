package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func TestNewDBRequiresHandle(t *testing.T) {
	if _, err := NewDB(context.Background(), nil, "core"); !errors.Is(err, latcherrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewDBClosedDatabase(t *testing.T) {
	db := newSQLite(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	_ = sqlDB.Close()
	if _, err := NewDB(context.Background(), db, "core"); !errors.Is(err, latcherrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestDBCustomTable(t *testing.T) {
	db := newSQLite(t)
	f, err := NewDB(context.Background(), db, "core", WithTableName("custom_locks"))
	if err != nil {
		t.Fatalf("new db factory: %v", err)
	}
	if !db.Migrator().HasTable("custom_locks") {
		t.Fatal("expected custom_locks table")
	}

	l := mustGet(t, f, "abc1", 0, time.Minute)
	var row dbLockRow
	if err := db.Table("custom_locks").Where("resource_key = ?", "core_abc1").First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Owner != l.Token() || row.ExpiresAt == 0 {
		t.Fatalf("unexpected row %+v", row)
	}

	l.Release(context.Background())
	var n int64
	db.Table("custom_locks").Count(&n)
	if n != 0 {
		t.Fatalf("expected no rows after release, got %d", n)
	}
}

func TestDBReopenKeepsExistingTable(t *testing.T) {
	db := newSQLite(t)
	first, err := NewDB(context.Background(), db, "core")
	if err != nil {
		t.Fatalf("new db factory: %v", err)
	}
	l := mustGet(t, first, "abc1", 0, 0)

	second, err := NewDB(context.Background(), db, "core", fastBackoff)
	if err != nil {
		t.Fatalf("second factory: %v", err)
	}
	expectContended(t, second, "abc1", 0)
	l.Release(context.Background())
}

func TestDBExtendAfterExpiryFails(t *testing.T) {
	f, err := NewDB(context.Background(), newSQLite(t), "core")
	if err != nil {
		t.Fatalf("new db factory: %v", err)
	}
	l := mustGet(t, f, "abc1", 0, 100*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	if l.Extend(context.Background(), time.Minute) {
		t.Fatal("extending an expired lock should fail")
	}
}
