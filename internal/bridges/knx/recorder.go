package knx

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// defaultEventQueryLimit caps Events queries without an explicit limit.
const defaultEventQueryLimit = 100

// maxEventQueryLimit is the largest page Events returns.
const maxEventQueryLimit = 1000

// Recorder passively records group addresses, source devices and, when
// enabled, every group event seen on the bus.
//
// The database must have the knx_group_addresses, knx_devices and
// knx_group_events tables created (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db        *sql.DB
	logger    Logger
	logEvents bool

	gaUpsertStmt     *sql.Stmt
	deviceUpsertStmt *sql.Stmt
	eventInsertStmt  *sql.Stmt
	stmtMu           sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// SeenAddress is a group address observed on the bus.
type SeenAddress struct {
	Address         GroupAddress `json:"address"`
	LastSeen        time.Time    `json:"last_seen"`
	MessageCount    int64        `json:"message_count"`
	HasReadResponse bool         `json:"has_read_response"`
}

// RecordedEvent is a group event read back from the event log.
type RecordedEvent struct {
	ID int64 `json:"id"`
	GroupEvent
}

// EventQuery filters the event log.
type EventQuery struct {
	// Address restricts results to one destination when non-nil.
	Address *GroupAddress

	// Since excludes events older than this time when non-zero.
	Since time.Time

	// Limit caps the number of results. Defaults to 100, at most 1000.
	Limit int
}

// NewRecorder creates a recorder. When logEvents is false only the address
// and device tables are maintained.
func NewRecorder(db *sql.DB, logEvents bool) *Recorder {
	return &Recorder{
		db:        db,
		logEvents: logEvents,
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use. Must be called before Record.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.gaUpsertStmt != nil {
		return nil
	}

	gaStmt, err := r.db.Prepare(`
		INSERT INTO knx_group_addresses (group_address, last_seen, message_count, has_read_response)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			has_read_response = MAX(has_read_response, excluded.has_read_response)
	`)
	if err != nil {
		return fmt.Errorf("preparing GA upsert statement: %w", err)
	}

	deviceStmt, err := r.db.Prepare(`
		INSERT INTO knx_devices (individual_address, last_seen, message_count)
		VALUES (?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		gaStmt.Close()
		return fmt.Errorf("preparing device upsert statement: %w", err)
	}

	var eventStmt *sql.Stmt
	if r.logEvents {
		eventStmt, err = r.db.Prepare(`
			INSERT INTO knx_group_events (group_address, source, kind, value_hex, value_bits, epoch, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			gaStmt.Close()
			deviceStmt.Close()
			return fmt.Errorf("preparing event insert statement: %w", err)
		}
	}

	r.gaUpsertStmt = gaStmt
	r.deviceUpsertStmt = deviceStmt
	r.eventInsertStmt = eventStmt
	r.log("recorder started", "event_log", r.logEvents)
	return nil
}

// Stop closes the recorder and releases resources.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	for _, stmt := range []**sql.Stmt{&r.gaUpsertStmt, &r.deviceUpsertStmt, &r.eventInsertStmt} {
		if *stmt != nil {
			(*stmt).Close()
			*stmt = nil
		}
	}

	r.log("recorder stopped")
}

// Record stores one group event. Errors are logged, never returned, so a
// database problem cannot stall event delivery.
func (r *Recorder) Record(ev GroupEvent) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	gaStmt := r.gaUpsertStmt
	deviceStmt := r.deviceUpsertStmt
	eventStmt := r.eventInsertStmt
	r.stmtMu.Unlock()

	if gaStmt == nil || deviceStmt == nil {
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// 0.0.0 is the unset/broadcast source
	if ev.Source != "" && ev.Source != "0.0.0" {
		if _, err := deviceStmt.Exec(ev.Source, ts.Unix()); err != nil {
			r.logError("recording device", err)
		}
	}

	hasResponse := 0
	if ev.Kind == EventReadResponse {
		hasResponse = 1
	}
	if _, err := gaStmt.Exec(ev.Destination.String(), ts.Unix(), hasResponse); err != nil {
		r.logError("recording GA", err)
	}

	if eventStmt != nil {
		_, err := eventStmt.Exec(
			ev.Destination.String(),
			ev.Source,
			ev.Kind.String(),
			hex.EncodeToString(ev.Value.Bytes()),
			ev.Value.Bits(),
			int64(ev.Epoch), //nolint:gosec // epochs stay far below 2^63
			ts.UnixNano(),
		)
		if err != nil {
			r.logError("recording event", err)
		}
	}
}

// Events returns logged events, newest first.
func (r *Recorder) Events(ctx context.Context, q EventQuery) ([]RecordedEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventQueryLimit
	}
	if limit > maxEventQueryLimit {
		limit = maxEventQueryLimit
	}

	var where []string
	var args []any
	if q.Address != nil {
		where = append(where, "group_address = ?")
		args = append(args, q.Address.String())
	}
	if !q.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, group_address, source, kind, value_hex, value_bits, epoch, received_at FROM knx_group_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []RecordedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanEvent reads one knx_group_events row.
func scanEvent(rows *sql.Rows) (RecordedEvent, error) {
	var (
		ev         RecordedEvent
		ga, kind   string
		valueHex   string
		bits       int
		epoch, nts int64
	)
	if err := rows.Scan(&ev.ID, &ga, &ev.Source, &kind, &valueHex, &bits, &epoch, &nts); err != nil {
		return RecordedEvent{}, fmt.Errorf("scanning event: %w", err)
	}

	addr, err := ParseGroupAddress(ga)
	if err != nil {
		return RecordedEvent{}, err
	}
	if err := ev.Kind.UnmarshalText([]byte(kind)); err != nil {
		return RecordedEvent{}, err
	}
	data, err := hex.DecodeString(valueHex)
	if err != nil {
		return RecordedEvent{}, fmt.Errorf("%w: stored value: %w", ErrInvalidGroupValue, err)
	}
	value, err := NewGroupValue(data, bits)
	if err != nil {
		return RecordedEvent{}, err
	}

	ev.Destination = addr
	ev.Value = value
	ev.Epoch = uint64(epoch) //nolint:gosec // stored from a uint64
	ev.Timestamp = time.Unix(0, nts)
	return ev, nil
}

// GroupAddresses returns every observed group address, most recent first.
func (r *Recorder) GroupAddresses(ctx context.Context) ([]SeenAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_address, last_seen, message_count, has_read_response
		FROM knx_group_addresses
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying group addresses: %w", err)
	}
	defer rows.Close()

	var out []SeenAddress
	for rows.Next() {
		var (
			ga       string
			lastSeen int64
			s        SeenAddress
		)
		if err := rows.Scan(&ga, &lastSeen, &s.MessageCount, &s.HasReadResponse); err != nil {
			return nil, fmt.Errorf("scanning group address: %w", err)
		}
		if s.Address, err = ParseGroupAddress(ga); err != nil {
			return nil, err
		}
		s.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneEvents deletes logged events received before cutoff.
func (r *Recorder) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knx_group_events WHERE received_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return n, nil
}

// GroupAddressCount returns the number of discovered group addresses.
func (r *Recorder) GroupAddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_group_addresses`).Scan(&count)
	return count, err
}

// DeviceCount returns the number of discovered devices.
func (r *Recorder) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_devices`).Scan(&count)
	return count, err
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
