// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schema is applied on every connection open; all statements are
// idempotent. The events table is append-only: rows are inserted once
// and never updated (the rejected flag is set at insert time, not
// toggled later).
const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id         TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	sender           TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	state_key        TEXT,
	depth            INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	rejected         INTEGER NOT NULL DEFAULT 0,
	compression      INTEGER NOT NULL,
	record_size      INTEGER NOT NULL,
	record           BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS events_by_room
	ON events (room_id, depth, event_id);

CREATE TABLE IF NOT EXISTS event_edges (
	child  TEXT NOT NULL,
	parent TEXT NOT NULL,
	PRIMARY KEY (child, parent)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS edges_by_parent
	ON event_edges (parent);

CREATE TABLE IF NOT EXISTS forward_extremities (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;
`

func applySchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("eventstore: applying schema: %w", err)
	}
	return nil
}
