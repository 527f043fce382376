package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	kindFloat  = "float"
	kindBool   = "bool"
	kindString = "string"
)

// SQLiteStore persists attributes in a single SQLite table keyed by node and attribute.
type SQLiteStore struct {
	conn *sqlx.DB
}

type attributeRow struct {
	Key  string  `db:"attr_key"`
	Kind string  `db:"attr_kind"`
	Num  float64 `db:"num_value"`
	Text string  `db:"text_value"`
}

// OpenSQLite opens or creates a SQLite database at path and migrates its schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	store := &SQLiteStore{conn: conn}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS node_attributes (
		node_id TEXT NOT NULL,
		attr_key TEXT NOT NULL,
		attr_kind TEXT NOT NULL,
		num_value REAL NOT NULL DEFAULT 0,
		text_value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (node_id, attr_key)
	);

	CREATE INDEX IF NOT EXISTS idx_node_attributes_node ON node_attributes(node_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Load reads every attribute stored for nodeID.
func (s *SQLiteStore) Load(ctx context.Context, nodeID string) (Attributes, error) {
	attrs := NewAttributes()
	if s == nil || s.conn == nil {
		return attrs, ErrClosed
	}
	var rows []attributeRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT attr_key, attr_kind, num_value, text_value FROM node_attributes WHERE node_id = ?`, nodeID)
	if err != nil {
		return attrs, fmt.Errorf("load attributes for %s: %w", nodeID, err)
	}
	for _, row := range rows {
		switch row.Kind {
		case kindFloat:
			attrs.Floats[row.Key] = row.Num
		case kindBool:
			attrs.Bools[row.Key] = row.Num != 0
		case kindString:
			attrs.Strings[row.Key] = row.Text
		}
	}
	return attrs, nil
}

// Save upserts attrs for nodeID inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, nodeID string, attrs Attributes) error {
	if s == nil || s.conn == nil {
		return ErrClosed
	}
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO node_attributes
		(node_id, attr_key, attr_kind, num_value, text_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, attr_key) DO UPDATE SET
			attr_kind = excluded.attr_kind,
			num_value = excluded.num_value,
			text_value = excluded.text_value`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, value := range attrs.Floats {
		if _, err := stmt.ExecContext(ctx, nodeID, key, kindFloat, value, ""); err != nil {
			return fmt.Errorf("save %s.%s: %w", nodeID, key, err)
		}
	}
	for key, value := range attrs.Bools {
		num := 0.0
		if value {
			num = 1
		}
		if _, err := stmt.ExecContext(ctx, nodeID, key, kindBool, num, ""); err != nil {
			return fmt.Errorf("save %s.%s: %w", nodeID, key, err)
		}
	}
	for key, value := range attrs.Strings {
		if _, err := stmt.ExecContext(ctx, nodeID, key, kindString, 0, value); err != nil {
			return fmt.Errorf("save %s.%s: %w", nodeID, key, err)
		}
	}
	return tx.Commit()
}

// Delete removes every attribute stored for nodeID.
func (s *SQLiteStore) Delete(ctx context.Context, nodeID string) error {
	if s == nil || s.conn == nil {
		return ErrClosed
	}
	_, err := s.conn.ExecContext(ctx, `DELETE FROM node_attributes WHERE node_id = ?`, nodeID)
	return err
}
