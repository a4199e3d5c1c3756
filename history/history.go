// Package history keeps a SQLite log of outlet commands and refresh
// failures and recoveries.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pdulink/logging"
	"pdulink/pduman"
)

// Event kinds.
const (
	KindOutletCommand    = "outlet_command"
	KindRefreshFailed    = "refresh_failed"
	KindRefreshRecovered = "refresh_recovered"
)

// DefaultLimit bounds Recent when no limit is given.
const DefaultLimit = 100

const timeLayout = "2006-01-02 15:04:05.000"

// Event is one row of the history log.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Kind      string    `json:"kind"`
	Unit      string    `json:"unit,omitempty"`
	Outlet    string    `json:"outlet,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    device TEXT NOT NULL,
    kind TEXT NOT NULL,
    unit TEXT,
    outlet TEXT,
    command_id TEXT,
    success INTEGER NOT NULL,
    detail TEXT
);
CREATE INDEX IF NOT EXISTS events_device ON events(device, id);`

// Store is a SQLite-backed event log.
type Store struct {
	db *sql.DB

	queue  chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table in %s: %w", path, err)
	}

	s := &Store{
		db:    db,
		queue: make(chan Event, 256),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Record writes one event. A zero timestamp is set to now.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events(timestamp, device, kind, unit, outlet, command_id, success, detail) VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		e.Timestamp.UTC().Format(timeLayout), e.Device, e.Kind, e.Unit, e.Outlet, e.CommandID, e.Success, e.Detail)
	if err != nil {
		return fmt.Errorf("record %s event for %s: %w", e.Kind, e.Device, err)
	}
	return nil
}

// Enqueue records an event in the background. It never blocks; events are
// dropped when the queue is full or the store is closed.
func (s *Store) Enqueue(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		logging.DebugLog("history", "queue full, dropping %s event for %s", e.Kind, e.Device)
	}
}

func (s *Store) writer() {
	defer s.wg.Done()

	write := func(e Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, e); err != nil {
			logging.DebugError("history", "write", err)
		}
	}

	for {
		select {
		case e := <-s.queue:
			write(e)
		case <-s.stop:
			for {
				select {
				case e := <-s.queue:
					write(e)
				default:
					return
				}
			}
		}
	}
}

// Recent returns up to limit events, newest first. An empty device returns
// events for every device.
func (s *Store) Recent(ctx context.Context, device string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := "SELECT id, timestamp, device, kind, unit, outlet, command_id, success, detail FROM events"
	args := []interface{}{}
	if device != "" {
		query += " WHERE device = ?"
		args = append(args, device)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var ts string
		var unit, outlet, commandID, detail sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Device, &e.Kind, &unit, &outlet, &commandID, &e.Success, &detail); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.Timestamp, err = time.ParseInLocation(timeLayout, ts, time.UTC); err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", ts, err)
		}
		e.Unit, e.Outlet, e.CommandID, e.Detail = unit.String, outlet.String, commandID.String, detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close flushes queued events and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("history store already closed")
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// CommandEvent converts an outlet command outcome.
func CommandEvent(cmd pduman.Command) Event {
	detail := fmt.Sprintf("on=%v source=%s", cmd.On, cmd.Source)
	if cmd.Error != "" {
		detail += " error=" + cmd.Error
	}
	return Event{
		Timestamp: cmd.Issued,
		Device:    cmd.Device,
		Kind:      KindOutletCommand,
		Unit:      cmd.Unit,
		Outlet:    cmd.Outlet,
		CommandID: cmd.ID,
		Success:   cmd.Success,
		Detail:    detail,
	}
}

// StatusEvent converts a status change. Only failures and recoveries are
// logged; ok is false for every other transition.
func StatusEvent(sc pduman.StatusChange) (Event, bool) {
	e := Event{Timestamp: sc.Timestamp, Device: sc.Device}
	switch {
	case sc.State == pduman.StateFailed:
		e.Kind = KindRefreshFailed
		e.Detail = sc.Error
	case sc.Recovered():
		e.Kind = KindRefreshRecovered
		e.Success = true
	default:
		return Event{}, false
	}
	return e, true
}
