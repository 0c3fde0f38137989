package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reminder-notifier/pkg/notifier"
)

const columns = "id, event_key, category_id, event_name, event_time_str, title, body, notification_time, minutes_before, delivered"

// Store is the fallback schedule held in one table.
//
// Reads return an empty result when the database fails; writes return the error.
// Both paths record a diagnostic on DB.
type Store struct {
	db    *DB
	table string
}

// Table returns the table backing this store.
func (s *Store) Table() string {
	return s.table
}

// StoreNotifications replaces the whole table with list in one transaction.
func (s *Store) StoreNotifications(ctx context.Context, list []notifier.ScheduledNotification) error {
	err := s.replace(ctx, list)
	if err != nil {
		s.db.recordFailure("store", s.table, err)
		return err
	}
	s.db.logger.Info("Stored fallback notifications", "table", s.table, "count", len(list))
	return nil
}

func (s *Store) replace(ctx context.Context, list []notifier.ScheduledNotification) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.db.logger.Warn("Failed to roll back transaction", "table", s.table, "error", rbErr)
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.table); err != nil {
		return fmt.Errorf("clear table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO "+s.table+" ("+columns+") VALUES (?,?,?,?,?,?,?,?,?,?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			s.db.logger.Warn("Failed to close statement", "table", s.table, "error", closeErr)
		}
	}()

	for i := range list {
		n := &list[i]
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.EventKey, n.CategoryID, n.EventName, n.EventTimeStr,
			n.Title, n.Body, n.NotificationTime, n.MinutesBefore, n.Delivered,
		); err != nil {
			return fmt.Errorf("insert %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PendingNotifications returns undelivered records due within the last PendingWindow.
func (s *Store) PendingNotifications(ctx context.Context) []notifier.ScheduledNotification {
	now := s.db.now()
	out, err := s.query(ctx,
		"SELECT "+columns+" FROM "+s.table+
			" WHERE delivered = 0 AND notification_time <= ? AND notification_time > ? ORDER BY notification_time",
		now.UnixMilli(), now.Add(-PendingWindow).UnixMilli(),
	)
	if err != nil {
		s.db.recordFailure("pending", s.table, err)
		return nil
	}
	return out
}

// AllNotifications returns every record ordered by fire time.
func (s *Store) AllNotifications(ctx context.Context) []notifier.ScheduledNotification {
	out, err := s.query(ctx, "SELECT "+columns+" FROM "+s.table+" ORDER BY notification_time")
	if err != nil {
		s.db.recordFailure("all", s.table, err)
		return nil
	}
	return out
}

// ClaimPending marks every pending record delivered and returns them, in one statement.
// A record is returned by at most one call.
func (s *Store) ClaimPending(ctx context.Context) ([]notifier.ScheduledNotification, error) {
	now := s.db.now()
	out, err := s.query(ctx,
		"UPDATE "+s.table+" SET delivered = 1"+
			" WHERE delivered = 0 AND notification_time <= ? AND notification_time > ?"+
			" RETURNING "+columns,
		now.UnixMilli(), now.Add(-PendingWindow).UnixMilli(),
	)
	if err != nil {
		s.db.recordFailure("claim", s.table, err)
		return nil, err
	}
	return out, nil
}

// MarkAsDelivered flips id to delivered. Missing records are ignored.
func (s *Store) MarkAsDelivered(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "mark", "UPDATE "+s.table+" SET delivered = 1 WHERE id = ?", id); err != nil {
		return err
	}
	return nil
}

// CancelNotification suppresses a pending record. It reports whether a record changed.
func (s *Store) CancelNotification(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, "cancel", "UPDATE "+s.table+" SET delivered = 1 WHERE id = ? AND delivered = 0", id)
	return n > 0, err
}

// CancelEvent suppresses every pending record for eventKey, whatever its offset.
// It returns the number of records changed.
func (s *Store) CancelEvent(ctx context.Context, eventKey string) (int64, error) {
	return s.exec(ctx, "cancel_event", "UPDATE "+s.table+" SET delivered = 1 WHERE event_key = ? AND delivered = 0", eventKey)
}

// ClearOldNotifications deletes records whose fire time is older than Retention.
func (s *Store) ClearOldNotifications(ctx context.Context) (int64, error) {
	cutoff := s.db.now().Add(-Retention).UnixMilli()
	return s.exec(ctx, "clear_old", "DELETE FROM "+s.table+" WHERE notification_time < ?", cutoff)
}

// ClearAllNotifications deletes every record.
func (s *Store) ClearAllNotifications(ctx context.Context) error {
	_, err := s.exec(ctx, "clear_all", "DELETE FROM "+s.table)
	return err
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
		s.db.recordFailure(op, s.table, err)
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]notifier.ScheduledNotification, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.db.logger.Warn("Failed to close rows", "table", s.table, "error", closeErr)
		}
	}()

	var out []notifier.ScheduledNotification
	for rows.Next() {
		var n notifier.ScheduledNotification
		if err := rows.Scan(
			&n.ID, &n.EventKey, &n.CategoryID, &n.EventName, &n.EventTimeStr,
			&n.Title, &n.Body, &n.NotificationTime, &n.MinutesBefore, &n.Delivered,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
