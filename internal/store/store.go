// Package store persists the relay journal and the inbound message archive
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wabridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the pipeline Recorder and the archive behind the
// polling fallback.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// ArchivedMessage is an inbound message together with the driver's raw
// encoding, kept so media can be downloaded after a restart.
type ArchivedMessage struct {
	Message domain.InboundMessage
	Raw     []byte
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	return RunMigrations(s.db, s.logger)
}

// DB exposes the handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// RecordOutcome appends one journal row.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, rec domain.RelayRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_log (request_id, message_id, source_id, phone, kind, via, outcome, delivered, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.MessageID, rec.SourceID, rec.Phone, rec.Kind, rec.Via, rec.Outcome,
		rec.Delivered, rec.Detail, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecentRecords returns the newest journal rows first.
func (s *SQLiteStore) RecentRecords(ctx context.Context, limit int) ([]domain.RelayRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, message_id, source_id, phone, kind, via, outcome, delivered, detail, created_at
		 FROM relay_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.RelayRecord
	for rows.Next() {
		var r domain.RelayRecord
		var messageID, sourceID, phone, detail sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &messageID, &sourceID, &phone,
			&r.Kind, &r.Via, &r.Outcome, &r.Delivered, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.MessageID = messageID.String
		r.SourceID = sourceID.String
		r.Phone = phone.String
		r.Detail = detail.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RecentMessageIDs returns the message ids of the newest journal rows, oldest
// first. Rows without a message id are skipped.
func (s *SQLiteStore) RecentMessageIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM (
			SELECT id, message_id FROM relay_log
			WHERE message_id IS NOT NULL AND message_id != ''
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ArchiveMessage stores msg unless the same chat already holds its id.
func (s *SQLiteStore) ArchiveMessage(ctx context.Context, msg domain.InboundMessage, raw []byte) error {
	if msg.ID == "" || msg.ChatID == "" {
		return nil
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_messages
		 (chat_id, message_id, source_id, body, kind, is_group, is_self, mime_type, file_name, raw, received_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, msg.ID, msg.SourceID, msg.Body, string(msg.Kind), msg.IsGroup, msg.IsSelf,
		msg.MimeType, msg.FileName, raw, received.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// ListChats returns archived conversations, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]domain.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, MAX(is_group), MAX(received_ms)
		 FROM chat_messages GROUP BY chat_id ORDER BY MAX(received_ms) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		var lastMs int64
		if err := rows.Scan(&c.ID, &c.IsGroup, &lastMs); err != nil {
			return nil, err
		}
		c.LastActivity = time.UnixMilli(lastMs)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// RecentMessages returns the last limit messages of chatID in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, source_id, body, kind, is_group, is_self, mime_type, file_name, raw, received_ms
		 FROM chat_messages WHERE chat_id = ?
		 ORDER BY received_ms DESC LIMIT ?`, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ArchivedMessage
	for rows.Next() {
		var a ArchivedMessage
		var body, mimeType, fileName sql.NullString
		var kind string
		var receivedMs int64
		m := &a.Message
		if err := rows.Scan(&m.ChatID, &m.ID, &m.SourceID, &body, &kind, &m.IsGroup, &m.IsSelf,
			&mimeType, &fileName, &a.Raw, &receivedMs); err != nil {
			return nil, err
		}
		m.Body = body.String
		m.Kind = domain.Kind(kind)
		m.MimeType = mimeType.String
		m.FileName = fileName.String
		m.ReceivedAt = time.UnixMilli(receivedMs)
		msgs = append(msgs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PruneArchive deletes archived messages older than maxAge.
func (s *SQLiteStore) PruneArchive(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE received_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("archive pruned", "deleted", n, "older_than", maxAge)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
