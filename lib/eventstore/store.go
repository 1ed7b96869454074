// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
)

// Config holds the parameters for opening an event store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Compression is the tag requested for new event records.
	// Incompressible records are stored uncompressed regardless.
	Compression CompressionTag

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Store is the durable event store and graph index. Safe for
// concurrent use; writes within a room are serialized internally.
type Store struct {
	pool        *sqlitepool.Pool
	logger      *slog.Logger
	compression CompressionTag

	// roomMu serializes graph mutation per room: two events racing to
	// extend the same frontier must not both read the same stale
	// extremity set. Reads never take these locks.
	mu     sync.Mutex
	roomMu map[ref.RoomID]*sync.Mutex
}

// Open opens (creating if necessary) the event store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  poolSize,
		Logger:    logger,
		OnConnect: applySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}
	return &Store{
		pool:        pool,
		logger:      logger,
		compression: cfg.Compression,
		roomMu:      make(map[ref.RoomID]*sync.Mutex),
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) roomLock(room ref.RoomID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.roomMu[room]
	if !ok {
		lock = &sync.Mutex{}
		s.roomMu[room] = lock
	}
	return lock
}

// Put inserts an accepted event: stores the record, the parent edges,
// the computed depth, and updates the room's forward extremities, all
// in one transaction. Idempotent: an already-stored event ID is a
// no-op success. A non-create event with an unstored parent fails
// with *MissingParentError and changes nothing.
func (s *Store) Put(ctx context.Context, e *event.Event) error {
	return s.insert(ctx, e, false)
}

// Quarantine inserts an event rejected by the auth checker, for
// audit. The row carries the rejected flag; no edges or extremity
// updates are made, so the event is invisible to the graph, ordering,
// and resolution. Idempotent like Put.
func (s *Store) Quarantine(ctx context.Context, e *event.Event) error {
	return s.insert(ctx, e, true)
}

func (s *Store) insert(ctx context.Context, e *event.Event, rejected bool) (err error) {
	lock := s.roomLock(e.RoomID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: put %s: %w", e.EventID, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	exists, _, err := containsLocked(conn, e.EventID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// Sole-root invariant: a parentless event may only start a room,
	// never extend one. Checked under the room lock so two racing
	// creates cannot both pass.
	if !rejected && len(e.PrevEvents) == 0 {
		populated, err := roomPopulated(conn, e.RoomID)
		if err != nil {
			return err
		}
		if populated {
			return &DuplicateRootError{Room: e.RoomID, EventID: e.EventID}
		}
	}

	// Depth is authoritative here, not from the event's declared
	// field: 1 + max over stored parent depths.
	depth := int64(1)
	for _, parent := range e.PrevEvents {
		parentDepth, ok, err := acceptedDepth(conn, parent, e.RoomID)
		if err != nil {
			return err
		}
		if !ok {
			return &MissingParentError{Child: e.EventID, Parent: parent}
		}
		if parentDepth+1 > depth {
			depth = parentDepth + 1
		}
	}

	record, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventstore: encode %s: %w", e.EventID, err)
	}
	stored, tag, err := compressRecord(record, s.compression)
	if err != nil {
		return err
	}

	var stateKey any
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO events
			(event_id, room_id, sender, event_type, state_key, depth,
			 origin_server_ts, rejected, compression, record_size, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			e.EventID.String(), e.RoomID.String(), e.Sender.String(),
			string(e.Type), stateKey, depth, e.OriginServerTS,
			boolToInt(rejected), int(tag), len(record), stored,
		}})
	if err != nil {
		return fmt.Errorf("eventstore: insert %s: %w", e.EventID, err)
	}

	if rejected {
		s.logger.Warn("event quarantined",
			"event_id", e.EventID,
			"room_id", e.RoomID,
			"event_type", e.Type,
			"sender", e.Sender,
		)
		return nil
	}

	for _, parent := range e.PrevEvents {
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO event_edges (child, parent) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{e.EventID.String(), parent.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: insert edge: %w", err)
		}
		err = sqlitex.Execute(conn,
			`DELETE FROM forward_extremities WHERE room_id = ? AND event_id = ?`,
			&sqlitex.ExecOptions{Args: []any{e.RoomID.String(), parent.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: retire extremity: %w", err)
		}
	}

	// The new event is a leaf unless a previously stored event
	// already names it as a parent (out-of-order arrival).
	hasChild := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM event_edges WHERE parent = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{e.EventID.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				hasChild = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("eventstore: leaf check: %w", err)
	}
	if !hasChild {
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO forward_extremities (room_id, event_id) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{e.RoomID.String(), e.EventID.String()}})
		if err != nil {
			return fmt.Errorf("eventstore: insert extremity: %w", err)
		}
	}
	return nil
}

// Contains reports whether the event is stored, and whether the
// stored row is quarantined.
func (s *Store) Contains(ctx context.Context, id ref.EventID) (stored, rejected bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, false, fmt.Errorf("eventstore: contains: %w", err)
	}
	defer s.pool.Put(conn)
	return containsLocked(conn, id)
}

func containsLocked(conn *sqlite.Conn, id ref.EventID) (stored, rejected bool, err error) {
	err = sqlitex.Execute(conn,
		`SELECT rejected FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored = true
				rejected = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, false, fmt.Errorf("eventstore: contains %s: %w", id, err)
	}
	return stored, rejected, nil
}

// RoomExists reports whether the room holds at least one accepted
// event.
func (s *Store) RoomExists(ctx context.Context, room ref.RoomID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("eventstore: room exists: %w", err)
	}
	defer s.pool.Put(conn)
	return roomPopulated(conn, room)
}

func roomPopulated(conn *sqlite.Conn, room ref.RoomID) (bool, error) {
	populated := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM events WHERE room_id = ? AND rejected = 0 LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{room.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				populated = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("eventstore: room %s populated: %w", room, err)
	}
	return populated, nil
}

// acceptedDepth returns the stored depth of an accepted (non-rejected)
// event in the given room.
func acceptedDepth(conn *sqlite.Conn, id ref.EventID, room ref.RoomID) (int64, bool, error) {
	var depth int64
	found := false
	err := sqlitex.Execute(conn,
		`SELECT depth FROM events WHERE event_id = ? AND room_id = ? AND rejected = 0`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), room.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				depth = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("eventstore: depth of %s: %w", id, err)
	}
	return depth, found, nil
}

// Get returns the accepted event with the given ID, or nil if it is
// unknown or quarantined.
func (s *Store) Get(ctx context.Context, id ref.EventID) (*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get: %w", err)
	}
	defer s.pool.Put(conn)
	return loadEvent(conn, id, false)
}

// GetQuarantined returns the quarantined event with the given ID, or
// nil. Exists for audit tooling only.
func (s *Store) GetQuarantined(ctx context.Context, id ref.EventID) (*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get quarantined: %w", err)
	}
	defer s.pool.Put(conn)
	return loadEvent(conn, id, true)
}

func loadEvent(conn *sqlite.Conn, id ref.EventID, rejected bool) (*event.Event, error) {
	var loaded *event.Event
	err := sqlitex.Execute(conn,
		`SELECT compression, record_size, record FROM events
		 WHERE event_id = ? AND rejected = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), boolToInt(rejected)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tag := CompressionTag(stmt.ColumnInt64(0))
				recordSize := int(stmt.ColumnInt64(1))
				stored := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, stored)

				record, err := decompressRecord(stored, tag, recordSize)
				if err != nil {
					return err
				}
				var e event.Event
				if err := codec.Unmarshal(record, &e); err != nil {
					return fmt.Errorf("eventstore: decode %s: %w", id, err)
				}
				loaded = &e
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: load %s: %w", id, err)
	}
	return loaded, nil
}

// ChildrenOf returns the IDs of stored events naming id as a parent,
// in ascending ID order.
func (s *Store) ChildrenOf(ctx context.Context, id ref.EventID) ([]ref.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: children: %w", err)
	}
	defer s.pool.Put(conn)

	var children []ref.EventID
	err = sqlitex.Execute(conn,
		`SELECT child FROM event_edges WHERE parent = ? ORDER BY child`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				child, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				children = append(children, child)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: children of %s: %w", id, err)
	}
	return children, nil
}

// EventsInRoom returns up to limit accepted events in the room with
// fromDepth <= depth <= toDepth, ordered by (depth, event_id). Used
// for backfill responses. toDepth <= 0 means no upper bound; limit
// <= 0 means no limit.
func (s *Store) EventsInRoom(ctx context.Context, room ref.RoomID, fromDepth, toDepth int64, limit int) ([]*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: events in room: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT event_id FROM events
		 WHERE room_id = ? AND depth >= ? AND rejected = 0`
	args := []any{room.String(), fromDepth}
	if toDepth > 0 {
		query += ` AND depth <= ?`
		args = append(args, toDepth)
	}
	query += ` ORDER BY depth, event_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var ids []ref.EventID
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := ref.ParseEventID(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: events in %s: %w", room, err)
	}

	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		e, err := loadEvent(conn, id, false)
		if err != nil {
			return nil, err
		}
		if e != nil {
			events = append(events, e)
		}
	}
	return events, nil
}

// ForwardExtremities returns the room's current forward extremity
// set in ascending ID order. Empty for an unknown room.
func (s *Store) ForwardExtremities(ctx context.Context, room ref.RoomID) ([]ref.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: extremities: %w", err)
	}
	defer s.pool.Put(conn)

	var extremities []ref.EventID
	err = sqlitex.Execute(conn,
		`SELECT event_id FROM forward_extremities WHERE room_id = ? ORDER BY event_id`,
		&sqlitex.ExecOptions{
			Args: []any{room.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				extremities = append(extremities, id)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: extremities of %s: %w", room, err)
	}
	return extremities, nil
}

// Depth returns the computed depth of an accepted stored event.
func (s *Store) Depth(ctx context.Context, id ref.EventID, room ref.RoomID) (int64, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("eventstore: depth: %w", err)
	}
	defer s.pool.Put(conn)
	return acceptedDepth(conn, id, room)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
