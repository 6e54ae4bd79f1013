package publish

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/ctlog"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores every message in a local SQLite database, for gateways
// that forward upstream out of band.
type SQLiteSink struct {
	db     *sql.DB
	enc    *Encoder
	logger *logrus.Logger
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string, enc *Encoder, logger *logrus.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	// one writer; sessions publish concurrently
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate message store: %w", err)
	}
	logger.WithField("path", path).Info("Message store ready")
	return &SQLiteSink{db: db, enc: enc, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			address    TEXT NOT NULL DEFAULT '',
			format     TEXT NOT NULL DEFAULT '',
			payload    BLOB NOT NULL,
			entries    INTEGER NOT NULL DEFAULT 0,
			records    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_address ON messages(address, id)")
	return err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Publish(ctx context.Context, addr string, log *ctlog.Log) error {
	msg, err := s.enc.Telemetry(addr, log)
	if err != nil {
		return err
	}
	return s.insert(ctx, msg, len(log.Entries), log.RecordCount())
}

func (s *SQLiteSink) Status(ctx context.Context, text string) error {
	msg, err := s.enc.Status(text)
	if err != nil {
		return err
	}
	return s.insert(ctx, msg, 0, 0)
}

func (s *SQLiteSink) insert(ctx context.Context, msg Message, entries, records int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (topic, address, format, payload, entries, records, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.Topic, msg.Address, string(msg.Format), msg.Payload, entries, records,
		msg.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store message for %s: %w", msg.Topic, err)
	}
	s.logger.WithFields(logrus.Fields{"topic": msg.Topic, "bytes": len(msg.Payload)}).Debug("Message stored")
	return nil
}

// Recent returns up to limit messages, newest first. An empty addr matches
// every message.
func (s *SQLiteSink) Recent(ctx context.Context, addr string, limit int) ([]Message, error) {
	q := "SELECT topic, address, format, payload, created_at FROM messages"
	var args []any
	if addr != "" {
		q += " WHERE address = ?"
		args = append(args, addr)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			format  string
			created string
		)
		if err := rows.Scan(&m.Topic, &m.Address, &format, &m.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Format = Format(format)
		m.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ Sink = (*SQLiteSink)(nil)
