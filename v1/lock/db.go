package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// dbLockRow is one claimed key. The primary key provides the atomic claim.
type dbLockRow struct {
	ResourceKey string `gorm:"primaryKey;column:resource_key;size:255"`
	Owner       string `gorm:"column:owner;size:64;not null"`
	ExpiresAt   int64  `gorm:"column:expires_at;not null;default:0"`
	AcquiredAt  int64  `gorm:"column:acquired_at;not null"`
}

// DBFactory is a Factory storing one row per held key through GORM.
// Expired rows are reclaimed by the next acquirer.
type DBFactory struct {
	*factory
	db      *gorm.DB
	table   string
	timeout time.Duration
}

// NewDB returns a database backed factory, creating its table when missing.
func NewDB(ctx context.Context, db *gorm.DB, component string, opts ...Option) (*DBFactory, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle required", latcherrors.ErrInvalidConfig)
	}
	o := newOptions(opts)
	d := &DBFactory{db: db, table: o.table, timeout: o.timeout}
	if err := d.ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: database: %v", latcherrors.ErrBackendUnavailable, err)
	}
	if !db.Migrator().HasTable(d.table) {
		if err := db.WithContext(ctx).Table(d.table).AutoMigrate(&dbLockRow{}); err != nil {
			return nil, fmt.Errorf("latch: create lock table: %w", err)
		}
	}
	f, err := newFactory("db", component, Capabilities{
		Timeout:     true,
		AutoRelease: true,
		Extend:      true,
	}, d, o)
	if err != nil {
		return nil, err
	}
	d.factory = f
	return d, nil
}

func (d *DBFactory) claim(ctx context.Context, key, token string, lifetime time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	now := time.Now()
	tx := d.db.WithContext(cctx).Table(d.table)
	err := tx.Where("resource_key = ? AND expires_at > 0 AND expires_at <= ?", key, now.UnixNano()).
		Delete(&dbLockRow{}).Error
	if err != nil {
		return false, mapDBError(err)
	}

	row := dbLockRow{
		ResourceKey: key,
		Owner:       token,
		ExpiresAt:   expiryNanos(now, lifetime),
		AcquiredAt:  now.UnixNano(),
	}
	res := d.db.WithContext(cctx).Table(d.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, mapDBError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (d *DBFactory) clear(ctx context.Context, key, token string) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := d.db.WithContext(cctx).Table(d.table).
		Where("resource_key = ? AND owner = ?", key, token).
		Delete(&dbLockRow{}).Error
	return mapDBError(err)
}

func (d *DBFactory) refresh(ctx context.Context, key, token string, lifetime time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	now := time.Now()
	res := d.db.WithContext(cctx).Table(d.table).
		Where("resource_key = ? AND owner = ? AND (expires_at = 0 OR expires_at > ?)", key, token, now.UnixNano()).
		Update("expires_at", expiryNanos(now, lifetime))
	if res.Error != nil {
		return false, mapDBError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (d *DBFactory) ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sqlDB.PingContext(cctx)
}

func mapDBError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	return err
}
