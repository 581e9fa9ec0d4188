package linemirror

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

// SQLiteStore keeps the mirror in a single SQLite file. It backs the durable
// local profile; change fan-out stays in process.
type SQLiteStore struct {
	db  *sql.DB
	hub *changeHub
	// writeMu spans each write and its publish so changes reach
	// subscribers in commit order.
	writeMu sync.Mutex
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite store: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY under concurrent ingestion.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, hub: newChangeHub(0)}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, participants, phone_number_id, last_activity_at
		FROM conversations WHERE id = ?`, strings.TrimSpace(conversationID))
	conv, err := scanSQLiteConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	return s.getMessage(ctx, s.db, strings.TrimSpace(conversationID), strings.TrimSpace(messageID))
}

func (s *SQLiteStore) getMessage(ctx context.Context, q sqliteQuerier, conversationID, messageID string) (Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT conversation_id, id, sender, recipients, direction, body, status, created_at
		FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg Message, mode WriteMode) (WriteOutcome, error) {
	msg = NormalizeMessage(msg)
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	recipients, err := json.Marshal(msg.To)
	if err != nil {
		return "", err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, sender, recipients, direction, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO NOTHING`,
		msg.ConversationID, msg.ID, msg.From, string(recipients), string(msg.Direction), msg.Text, msg.Status, msg.CreatedAt.UnixMicro())
	if err != nil {
		return "", fmt.Errorf("upsert message: %w", err)
	}
	if inserted, _ := result.RowsAffected(); inserted == 1 {
		s.publishMessage(ChangeAdded, msg)
		return WriteCreated, nil
	}

	stored, err := s.getMessage(ctx, s.db, msg.ConversationID, msg.ID)
	if err != nil {
		return "", err
	}
	if fields := immutableDiff(stored, msg); len(fields) > 0 {
		return WriteUnchanged, &IntegrityConflictError{ConversationID: msg.ConversationID, MessageID: msg.ID, Fields: fields}
	}
	if mode == WriteInsertIfAbsent || msg.Status == "" {
		return WriteUnchanged, nil
	}
	result, err = s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND id = ? AND status <> ?`,
		msg.Status, msg.ConversationID, msg.ID, msg.Status)
	if err != nil {
		return "", fmt.Errorf("update message status: %w", err)
	}
	if updated, _ := result.RowsAffected(); updated == 0 {
		return WriteUnchanged, nil
	}
	stored.Status = msg.Status
	s.publishMessage(ChangeModified, stored)
	return WriteUpdated, nil
}

func (s *SQLiteStore) MergeConversation(ctx context.Context, patch ConversationPatch) (Conversation, error) {
	patch.ID = strings.TrimSpace(patch.ID)
	if patch.ID == "" {
		return Conversation{}, ErrInvalidInput
	}
	participants := normalizeStringSlice(patch.Participants)
	participantsJSON, err := json.Marshal(participants)
	if err != nil {
		return Conversation{}, err
	}
	insertParticipants := "[]"
	if patch.ParticipantSet != ParticipantsKeep {
		insertParticipants = string(participantsJSON)
	}
	var lastActivity int64
	if at := normalizeTime(patch.LastActivityAt); !at.IsZero() {
		lastActivity = at.UnixMicro()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, patch.ID).Scan(&existing); err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, name, participants, phone_number_id, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE conversations.name END,
			phone_number_id = CASE WHEN excluded.phone_number_id <> '' THEN excluded.phone_number_id ELSE conversations.phone_number_id END,
			participants = CASE ?
				WHEN 1 THEN ?
				WHEN 2 THEN CASE WHEN conversations.participants = '[]' THEN ? ELSE conversations.participants END
				ELSE conversations.participants END,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at)`,
		patch.ID, strings.TrimSpace(patch.Name), insertParticipants, strings.TrimSpace(patch.PhoneNumberID), lastActivity,
		int(patch.ParticipantSet), string(participantsJSON), string(participantsJSON))
	if err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, participants, phone_number_id, last_activity_at
		FROM conversations WHERE id = ?`, patch.ID)
	merged, err := scanSQLiteConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: commit: %w", err)
	}

	kind := ChangeModified
	if existing == 0 {
		kind = ChangeAdded
	}
	published := copyConversation(merged)
	s.hub.publish(Change{Kind: kind, Conversation: &published})
	return merged, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, participants, phone_number_id, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC, id ASC
		LIMIT ?`, opts.limit())
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		conv, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, id, sender, recipients, direction, body, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, strings.TrimSpace(conversationID), opts.limit())
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	return s.hub.open(ctx, topic, func() (Snapshot, error) {
		return snapshotFor(ctx, s, topic)
	})
}

func (s *SQLiteStore) GetCredential(ctx context.Context, userID string) (string, error) {
	var credential string
	err := s.db.QueryRowContext(ctx, `SELECT credential FROM credentials WHERE user_id = ?`, strings.TrimSpace(userID)).Scan(&credential)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && credential == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

func (s *SQLiteStore) SetCredential(ctx context.Context, userID, credential string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, credential, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET credential = excluded.credential, updated_at = excluded.updated_at`,
		userID, strings.TrimSpace(credential), time.Now().UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.hub.closeAll()
	return s.db.Close()
}

func (s *SQLiteStore) publishMessage(kind ChangeKind, msg Message) {
	published := copyMessage(msg)
	s.hub.publish(Change{Kind: kind, Message: &published})
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (Conversation, error) {
	var (
		conv         Conversation
		participants string
		lastActivity int64
	)
	if err := row.Scan(&conv.ID, &conv.Name, &participants, &conv.PhoneNumberID, &lastActivity); err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return Conversation{}, err
	}
	if conv.Participants == nil {
		conv.Participants = []string{}
	}
	if lastActivity > 0 {
		conv.LastActivityAt = time.UnixMicro(lastActivity).UTC()
	}
	return conv, nil
}

func scanSQLiteMessage(row rowScanner) (Message, error) {
	var (
		msg        Message
		recipients string
		direction  string
		createdAt  int64
	)
	if err := row.Scan(&msg.ConversationID, &msg.ID, &msg.From, &recipients, &direction, &msg.Text, &msg.Status, &createdAt); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &msg.To); err != nil {
		return Message{}, err
	}
	if msg.To == nil {
		msg.To = []string{}
	}
	msg.Direction = Direction(direction)
	msg.CreatedAt = time.UnixMicro(createdAt).UTC()
	return msg, nil
}
