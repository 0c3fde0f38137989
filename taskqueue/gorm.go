package taskqueue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormBackend stores tasks in Postgres.
type GormBackend struct {
	db *gorm.DB
}

// Connect opens dsn and migrates the tasks table.
func Connect(dsn string) (*GormBackend, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b := &GormBackend{db: gdb}
	if err := b.Migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewGormBackend wraps an existing connection.
func NewGormBackend(gdb *gorm.DB) *GormBackend {
	return &GormBackend{db: gdb}
}

// Migrate creates the tasks table and its indexes.
func (b *GormBackend) Migrate() error {
	if err := b.db.AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}

	stmts := []string{
		`create unique index if not exists uq_tasks_idempotency on tasks(idempotency_key) where idempotency_key is not null;`,
		`create index if not exists idx_tasks_due on tasks(status, run_at);`,
		`create index if not exists idx_tasks_lock on tasks(status, locked_at);`,
	}
	for _, s := range stmts {
		if err := b.db.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

// Insert implements Backend.
func (b *GormBackend) Insert(ctx context.Context, t *Task) error {
	res := b.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(t)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Claim implements Backend. FOR UPDATE SKIP LOCKED keeps concurrent workers
// from claiming the same task.
func (b *GormBackend) Claim(ctx context.Context, workerID string) (*Task, error) {
	var task Task
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Requeue tasks whose worker died mid-dispatch.
		if err := tx.Exec(`
update tasks
set status='PENDING', locked_by=null, locked_at=null, updated_at=now()
where status='RUNNING' and locked_at is not null and locked_at < now() - interval '5 minutes'
`).Error; err != nil {
			return err
		}

		return tx.Raw(`
with cte as (
  select id
  from tasks
  where status='PENDING' and run_at <= now()
  order by run_at asc
  for update skip locked
  limit 1
)
update tasks
set status='RUNNING', locked_by=?, locked_at=now(), updated_at=now()
where id in (select id from cte)
returning *;
`, workerID).Scan(&task).Error
	})
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// MarkDone implements Backend.
func (b *GormBackend) MarkDone(ctx context.Context, id string) error {
	return b.db.WithContext(ctx).Exec(`update tasks set status='DONE', locked_by=null, locked_at=null, updated_at=now() where id=?`, id).Error
}

// MarkFailed implements Backend.
func (b *GormBackend) MarkFailed(ctx context.Context, id, errMsg string) error {
	return b.db.WithContext(ctx).Exec(`update tasks set status='FAILED', last_error=?, locked_by=null, locked_at=null, updated_at=now() where id=?`, errMsg, id).Error
}

// RetryLater implements Backend.
func (b *GormBackend) RetryLater(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	return b.db.WithContext(ctx).Exec(`
update tasks
set status='PENDING',
    attempts=?,
    run_at=?,
    locked_by=null,
    locked_at=null,
    last_error=?,
    updated_at=now()
where id=?`, attempts, runAt, errMsg, id).Error
}
