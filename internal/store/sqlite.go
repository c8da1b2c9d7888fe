// Package store is the single-writer embedded persistent store for
// message records and the category taxonomy.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection used for message and category
// records. It is a single-writer resource: the pipeline and the bulk
// driver never write concurrently, so a single open connection avoids
// SQLITE_BUSY entirely rather than relying on the busy timeout.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path and runs pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	sql     string
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}

	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return err
		}
		migrations = append(migrations, migration{version: version, sql: string(content)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Message is one persisted message record.
type Message struct {
	MessageID    string
	Folder       string
	Subject      string
	Sender       string
	SourceRef    string
	Category     *string
	Confidence   *float64
	IsJunk       bool
	MatchedRule  *string
	Transferred  bool
	ProcessedAt  time.Time
}

// InsertIfAbsent inserts a new message record. Re-insertion of an
// existing message_id is a no-op, absorbing the uniqueness violation
// as "already known" per the store-contention error class.
func (s *Store) InsertIfAbsent(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(message_id, folder, subject, sender, source_ref, category, confidence, is_junk, matched_rule, transferred, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Folder, m.Subject, m.Sender, m.SourceRef,
		m.Category, m.Confidence, boolToInt(m.IsJunk), m.MatchedRule, boolToInt(m.Transferred),
		m.ProcessedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert message %s: %w", m.MessageID, err)
	}
	return nil
}

// Get returns the message record for id, or nil if not found.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, folder, subject, sender, source_ref, category, confidence, is_junk, matched_rule, transferred, processed_at
		FROM messages WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

// Exists reports whether a message with the given id is already known.
func (s *Store) Exists(ctx context.Context, messageID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE message_id = ?`, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("store: exists %s: %w", messageID, err)
	}
	return n > 0, nil
}

// UpdateClassification sets the predicted category and confidence for
// a message. Mutated exactly once per successful LLM call by contract
// of the caller (the pipeline never calls this twice for one message).
func (s *Store) UpdateClassification(ctx context.Context, messageID, category string, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("store: confidence out of range: %f", confidence)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET category = ?, confidence = ? WHERE message_id = ?`,
		category, confidence, messageID)
	if err != nil {
		return fmt.Errorf("store: update classification %s: %w", messageID, err)
	}
	return nil
}

// MarkJunk records a rule-engine verdict for a message.
func (s *Store) MarkJunk(ctx context.Context, messageID, matchedRule string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_junk = 1, matched_rule = ? WHERE message_id = ?`,
		matchedRule, messageID)
	if err != nil {
		return fmt.Errorf("store: mark junk %s: %w", messageID, err)
	}
	return nil
}

// MarkTransferred sets the transferred marker, which must only happen
// after both the classification update and the target's acknowledgment.
func (s *Store) MarkTransferred(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET transferred = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("store: mark transferred %s: %w", messageID, err)
	}
	return nil
}

// ClearTransferredMarkers resets the transferred marker for every
// message, used by operator tooling to force a re-sync.
func (s *Store) ClearTransferredMarkers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET transferred = 0`)
	if err != nil {
		return fmt.Errorf("store: clear transferred markers: %w", err)
	}
	return nil
}

// BulkMarkTransferred sets the transferred marker for every id in ids
// within a single transaction.
func (s *Store) BulkMarkTransferred(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET transferred = 1 WHERE message_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("store: bulk mark transferred %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountsByCategory returns the number of messages per predicted
// category. The result is a map, so it carries no order.
func (s *Store) CountsByCategory(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM messages
		WHERE category IS NOT NULL
		GROUP BY category ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: counts by category: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var cat string
		var count int
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, err
		}
		out[cat] = count
	}
	return out, rows.Err()
}

// ListByCategory returns every message classified into category.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, folder, subject, sender, source_ref, category, confidence, is_junk, matched_rule, transferred, processed_at
		FROM messages WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("store: list by category %s: %w", category, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListUnclassified returns every message with no predicted category.
// Includes stubs left behind by a failed bulk-classify call, which is
// intentional: they remain resumable via this query.
func (s *Store) ListUnclassified(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, folder, subject, sender, source_ref, category, confidence, is_junk, matched_rule, transferred, processed_at
		FROM messages WHERE category IS NULL AND is_junk = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: list unclassified: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListRecent returns up to limit classified messages, most recently
// processed first, for display in the companion extension.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, folder, subject, sender, source_ref, category, confidence, is_junk, matched_rule, transferred, processed_at
		FROM messages WHERE category IS NOT NULL
		ORDER BY processed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var isJunk, transferred int
	var processedAt string
	err := row.Scan(&m.MessageID, &m.Folder, &m.Subject, &m.Sender, &m.SourceRef,
		&m.Category, &m.Confidence, &isJunk, &m.MatchedRule, &transferred, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.IsJunk = isJunk != 0
	m.Transferred = transferred != 0
	m.ProcessedAt, _ = time.Parse(time.RFC3339Nano, processedAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var isJunk, transferred int
		var processedAt string
		if err := rows.Scan(&m.MessageID, &m.Folder, &m.Subject, &m.Sender, &m.SourceRef,
			&m.Category, &m.Confidence, &isJunk, &m.MatchedRule, &transferred, &processedAt); err != nil {
			return nil, fmt.Errorf("store: scan message row: %w", err)
		}
		m.IsJunk = isJunk != 0
		m.Transferred = transferred != 0
		m.ProcessedAt, _ = time.Parse(time.RFC3339Nano, processedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertCategory inserts or updates a category's description.
func (s *Store) UpsertCategory(ctx context.Context, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (name, description) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET description = excluded.description`,
		name, description)
	if err != nil {
		return fmt.Errorf("store: upsert category %s: %w", name, err)
	}
	return nil
}

// RenameCategory renames every message assignment and the category
// row itself from oldName to newName. Used by taxonomy normalization
// to apply a repaired rename map.
func (s *Store) RenameCategory(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET category = ? WHERE category = ?`, newName, oldName); err != nil {
		return fmt.Errorf("store: rename category messages %s->%s: %w", oldName, newName, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE name = ?`, oldName); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO categories (name, description) VALUES (?, '')
		ON CONFLICT(name) DO NOTHING`, newName); err != nil {
		return err
	}
	return tx.Commit()
}

// AllCategories returns every stored category name and description.
func (s *Store) AllCategories(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description FROM categories`)
	if err != nil {
		return nil, fmt.Errorf("store: all categories: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, desc string
		if err := rows.Scan(&name, &desc); err != nil {
			return nil, err
		}
		out[name] = desc
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
