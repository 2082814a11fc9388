// Package recorder persists the high-resolution controller event log:
// one row per phase transition, call event, mode change, or bus fault,
// stamped with control time. Performance tooling replays the log offline.
package recorder

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sugawarayuuta/sonnet"
	_ "modernc.org/sqlite"

	"github.com/InstanceGaming/atsc/internal/events"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS controller_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL,
    control_time REAL NOT NULL,
    event_type   TEXT NOT NULL,
    payload      TEXT NOT NULL
);
`

const eventsIndex = `
CREATE INDEX IF NOT EXISTS idx_controller_events_lookup
ON controller_events(run_id, event_type, control_time);
`

// Recorder subscribes to the controller event bus and appends rows.
type Recorder struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
	unsub []func()
}

// Open creates or opens the event database at path. Use ":memory:" for an
// ephemeral log.
func Open(path, runID string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}
	if _, err := db.Exec(eventsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event index: %w", err)
	}
	return &Recorder{db: db, runID: runID}, nil
}

// Attach subscribes the recorder to every event type on the bus.
func (r *Recorder) Attach(bus *events.Bus) {
	for _, et := range []events.EventType{
		events.EventPhaseState,
		events.EventCallPlaced,
		events.EventCallServed,
		events.EventModeChange,
		events.EventBarrierCross,
		events.EventBusFault,
		events.EventTransfer,
	} {
		r.unsub = append(r.unsub, bus.Subscribe(et, r.record))
	}
}

func (r *Recorder) record(ev events.Event) {
	payload, err := sonnet.Marshal(ev.Data)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	_, _ = r.db.Exec(`
		INSERT INTO controller_events (run_id, control_time, event_type, payload)
		VALUES (?, ?, ?, ?)`,
		r.runID, ev.ControlTime, string(ev.Type), string(payload))
}

// Count returns the number of rows recorded for an event type in this run.
func (r *Recorder) Count(eventType events.EventType) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.db.QueryRow(`
		SELECT COUNT(*) FROM controller_events
		WHERE run_id = ? AND event_type = ?`,
		r.runID, string(eventType))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close detaches from the bus and closes the database.
func (r *Recorder) Close() error {
	for _, u := range r.unsub {
		u()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.db.Close()
	r.db = nil
	return err
}
