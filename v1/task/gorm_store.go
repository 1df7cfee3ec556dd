package task

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	defaultGormTableName = "latch_adhoc_tasks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormTask is the row model of the adhoc queue. Times are unix nanoseconds
// and zero means unset.
type gormTask struct {
	ID        int64  `gorm:"primaryKey;autoIncrement;column:id"`
	Type      string `gorm:"column:type;size:255;not null;index"`
	Payload   []byte `gorm:"column:payload"`
	Attempts  int    `gorm:"column:attempts;not null;default:0"`
	NextRunAt int64  `gorm:"column:next_run_at;not null;index"`
	CreatedAt int64  `gorm:"column:created_at;not null"`
	StartedAt int64  `gorm:"column:started_at;not null;default:0"`
	Worker    string `gorm:"column:worker;size:255"`
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (g gormTask) record() Record {
	return Record{
		ID:        g.ID,
		Type:      Type(g.Type),
		Payload:   g.Payload,
		Attempts:  g.Attempts,
		NextRunAt: fromNanos(g.NextRunAt),
		CreatedAt: fromNanos(g.CreatedAt),
		StartedAt: fromNanos(g.StartedAt),
		Worker:    g.Worker,
	}
}

// GormStore implements Store on a GORM database.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a GormStore, creating its table when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	if db == nil {
		return nil, latcherrors.ErrInvalidConfig
	}
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormTask{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
	}, nil
}

func (s *GormStore) begin(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel, nil
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	return err
}

// Enqueue implements Store.Enqueue.
func (s *GormStore) Enqueue(ctx context.Context, t Type, payload []byte, runAt time.Time) (Record, error) {
	if t == "" {
		return Record{}, latcherrors.ErrInvalidTaskType
	}
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer cancel()

	row := gormTask{
		Type:      string(t),
		Payload:   payload,
		NextRunAt: nanos(runAt),
		CreatedAt: time.Now().UnixNano(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return Record{}, mapError(err)
	}
	return row.record(), nil
}

// Pending implements Store.Pending.
func (s *GormStore) Pending(ctx context.Context, now time.Time, max int) ([]Record, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	q := tx.Where("started_at = 0 AND next_run_at <= ?", now.UnixNano()).Order("id")
	if max > 0 {
		q = q.Limit(max)
	}
	var rows []gormTask
	if err := q.Find(&rows).Error; err != nil {
		return nil, mapError(err)
	}
	return toRecords(rows), nil
}

// MarkRunning implements Store.MarkRunning.
func (s *GormStore) MarkRunning(ctx context.Context, id int64, worker string, at time.Time) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res := tx.Where("id = ? AND started_at = 0 AND next_run_at <= ?", id, at.UnixNano()).
		Updates(map[string]any{"started_at": at.UnixNano(), "worker": worker})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// Complete implements Store.Complete.
func (s *GormStore) Complete(ctx context.Context, id int64) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res := tx.Delete(&gormTask{}, "id = ?", id)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail implements Store.Fail.
func (s *GormStore) Fail(ctx context.Context, id int64, next time.Time) error {
	return s.update(ctx, id, map[string]any{
		"attempts":    gorm.Expr("attempts + 1"),
		"next_run_at": nanos(next),
		"started_at":  0,
		"worker":      "",
	})
}

// Reset implements Store.Reset.
func (s *GormStore) Reset(ctx context.Context, id int64) error {
	return s.update(ctx, id, map[string]any{"started_at": 0, "worker": ""})
}

// Running implements Store.Running.
func (s *GormStore) Running(ctx context.Context) ([]Record, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rows []gormTask
	if err := tx.Where("started_at > 0").Order("id").Find(&rows).Error; err != nil {
		return nil, mapError(err)
	}
	return toRecords(rows), nil
}

func (s *GormStore) update(ctx context.Context, id int64, values map[string]any) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res := tx.Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func toRecords(rows []gormTask) []Record {
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out
}
