package transitdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"

	"transit_planner/pkg/transit"
)

// Exception types of calendar_dates.
const (
	ServiceAdded   = 1
	ServiceRemoved = 2
)

var weekdayColumns = [...]string{
	time.Sunday:    "sunday",
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
}

// Calendar is a weekly service pattern valid between two dates inclusive.
type Calendar struct {
	ServiceID int32
	Weekdays  [7]bool // indexed by time.Weekday
	Start     time.Time
	End       time.Time
}

// DateKey encodes a date as a YYYYMMDD integer.
func DateKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// PutCalendar inserts or replaces a weekly pattern.
func (db *DB) PutCalendar(ctx context.Context, c Calendar) error {
	flag := func(wd time.Weekday) int {
		if c.Weekdays[wd] {
			return 1
		}
		return 0
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM calendar WHERE service_id = ?`), c.ServiceID); err != nil {
		return fmt.Errorf("failed to replace calendar %d: %w", c.ServiceID, err)
	}
	_, err = tx.ExecContext(ctx, db.rebind(`
		INSERT INTO calendar (service_id, monday, tuesday, wednesday, thursday, friday, saturday, sunday, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ServiceID,
		flag(time.Monday), flag(time.Tuesday), flag(time.Wednesday), flag(time.Thursday),
		flag(time.Friday), flag(time.Saturday), flag(time.Sunday),
		DateKey(c.Start), DateKey(c.End),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calendar %d: %w", c.ServiceID, err)
	}
	return tx.Commit()
}

// PutException adds or removes a service on one date.
func (db *DB) PutException(ctx context.Context, serviceID int32, date time.Time, exceptionType int) error {
	if exceptionType != ServiceAdded && exceptionType != ServiceRemoved {
		return fmt.Errorf("transitdb: invalid exception type %d", exceptionType)
	}
	key := DateKey(date)
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM calendar_dates WHERE service_id = ? AND date = ?`), serviceID, key); err != nil {
		return fmt.Errorf("failed to replace exception: %w", err)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`INSERT INTO calendar_dates (service_id, date, exception_type) VALUES (?, ?, ?)`),
		serviceID, key, exceptionType); err != nil {
		return fmt.Errorf("failed to insert exception: %w", err)
	}
	return tx.Commit()
}

// ActiveServices returns the ids of services running on date: services whose
// weekly pattern covers the date and that are not removed on it, plus the
// ones explicitly added.
func (db *DB) ActiveServices(ctx context.Context, date time.Time) ([]int32, error) {
	key := DateKey(date)
	query := db.rebind(`
		SELECT service_id FROM calendar
		WHERE start_date <= ? AND end_date >= ? AND ` + weekdayColumns[date.Weekday()] + ` = 1
		  AND service_id NOT IN (
		      SELECT service_id FROM calendar_dates WHERE date = ? AND exception_type = 2)
		UNION
		SELECT service_id FROM calendar_dates WHERE date = ? AND exception_type = 1
		ORDER BY 1`)

	rows, err := db.conn.QueryContext(ctx, query, key, key, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read services: %w", err)
	}
	return ids, nil
}

// Services returns the calendar for a query date: the services active on
// it and on the days before and after.
func (db *DB) Services(ctx context.Context, date time.Time) (*transit.Services, error) {
	today, err := db.ActiveServices(ctx, date)
	if err != nil {
		return nil, err
	}
	yesterday, err := db.ActiveServices(ctx, date.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	tomorrow, err := db.ActiveServices(ctx, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	return transit.NewServices(today, yesterday, tomorrow), nil
}

// ServiceSource yields the calendar for a date.
type ServiceSource interface {
	Services(ctx context.Context, date time.Time) (*transit.Services, error)
}

// CalendarCache memoizes a ServiceSource per date. Cached calendars are
// shared and must not be modified.
type CalendarCache struct {
	src   ServiceSource
	cache gcache.Cache
}

// NewCalendarCache keeps up to size dates for ttl.
func NewCalendarCache(src ServiceSource, size int, ttl time.Duration) *CalendarCache {
	return &CalendarCache{
		src: src,
		cache: gcache.New(size).
			LRU().
			Expiration(ttl).
			Build(),
	}
}

// Services returns the cached calendar for date, loading it on a miss.
func (c *CalendarCache) Services(ctx context.Context, date time.Time) (*transit.Services, error) {
	key := date.Format(time.DateOnly)
	if v, err := c.cache.Get(key); err == nil {
		return v.(*transit.Services), nil
	}
	s, err := c.src.Services(ctx, date)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(key, s)
	return s, nil
}
