package linemirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTablePrefix         = "linemirror"
	postgresOperationTimeout    = 5 * time.Second
	postgresListenerMinInterval = 100 * time.Millisecond
	postgresListenerMaxInterval = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore shares the mirror between service instances. Changes are
// announced with NOTIFY so subscribers on every instance see writes made by
// any of them.
type PostgresStore struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc
	logger      *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	hub        *changeHub
	done       chan struct{}
}

type postgresNotification struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId,omitempty"`
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		openDB:      sql.Open,
		logger:      slog.Default(),
		hub:         newChangeHub(0),
		done:        make(chan struct{}),
	}, nil
}

func (s *PostgresStore) conversationsTable() string {
	return postgresQuoteIdentifier(s.tablePrefix + "_conversations")
}

func (s *PostgresStore) messagesTable() string {
	return postgresQuoteIdentifier(s.tablePrefix + "_messages")
}

func (s *PostgresStore) credentialsTable() string {
	return postgresQuoteIdentifier(s.tablePrefix + "_credentials")
}

func (s *PostgresStore) channel() string {
	return s.tablePrefix + "_changes"
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					participants TEXT[] NOT NULL DEFAULT '{}',
					phone_number_id TEXT NOT NULL DEFAULT '',
					last_activity_at TIMESTAMPTZ
				)`, s.conversationsTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					conversation_id TEXT NOT NULL,
					id TEXT NOT NULL,
					sender TEXT NOT NULL,
					recipients TEXT[] NOT NULL DEFAULT '{}',
					direction TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (conversation_id, id)
				)`, s.messagesTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT PRIMARY KEY,
					credential TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.credentialsTable()),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return Conversation{}, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, participants, phone_number_id, last_activity_at
		FROM %s WHERE id = $1`, s.conversationsTable())
	conv, err := scanPostgresConversation(s.db.QueryRowContext(ctx, query, strings.TrimSpace(conversationID)))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := s.ensureReady(); err != nil {
		return Message{}, err
	}
	query := fmt.Sprintf(`
		SELECT conversation_id, id, sender, recipients, direction, body, status, created_at
		FROM %s WHERE conversation_id = $1 AND id = $2`, s.messagesTable())
	msg, err := scanPostgresMessage(s.db.QueryRowContext(ctx, query, strings.TrimSpace(conversationID), strings.TrimSpace(messageID)))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpsertMessage(ctx context.Context, msg Message, mode WriteMode) (WriteOutcome, error) {
	msg = NormalizeMessage(msg)
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, id, sender, recipients, direction, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, id) DO NOTHING`, s.messagesTable())
	result, err := s.db.ExecContext(ctx, insert,
		msg.ConversationID, msg.ID, msg.From, pq.Array(msg.To), string(msg.Direction), msg.Text, msg.Status, msg.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("upsert message: %w", err)
	}
	if inserted, _ := result.RowsAffected(); inserted == 1 {
		s.notify(ctx, postgresNotification{Kind: ChangeAdded, ConversationID: msg.ConversationID, MessageID: msg.ID})
		return WriteCreated, nil
	}

	stored, err := s.GetMessage(ctx, msg.ConversationID, msg.ID)
	if err != nil {
		return "", err
	}
	if fields := immutableDiff(stored, msg); len(fields) > 0 {
		return WriteUnchanged, &IntegrityConflictError{ConversationID: msg.ConversationID, MessageID: msg.ID, Fields: fields}
	}
	if mode == WriteInsertIfAbsent || msg.Status == "" {
		return WriteUnchanged, nil
	}
	update := fmt.Sprintf(`
		UPDATE %s SET status = $3
		WHERE conversation_id = $1 AND id = $2 AND status <> $3`, s.messagesTable())
	result, err = s.db.ExecContext(ctx, update, msg.ConversationID, msg.ID, msg.Status)
	if err != nil {
		return "", fmt.Errorf("update message status: %w", err)
	}
	if updated, _ := result.RowsAffected(); updated == 0 {
		return WriteUnchanged, nil
	}
	s.notify(ctx, postgresNotification{Kind: ChangeModified, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return WriteUpdated, nil
}

func (s *PostgresStore) MergeConversation(ctx context.Context, patch ConversationPatch) (Conversation, error) {
	patch.ID = strings.TrimSpace(patch.ID)
	if patch.ID == "" {
		return Conversation{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Conversation{}, err
	}
	participants := normalizeStringSlice(patch.Participants)
	insertParticipants := []string{}
	if patch.ParticipantSet != ParticipantsKeep {
		insertParticipants = participants
	}
	var lastActivity any
	if at := normalizeTime(patch.LastActivityAt); !at.IsZero() {
		lastActivity = at
	}

	// xmax is zero only for a row this statement inserted.
	query := fmt.Sprintf(`
		INSERT INTO %[1]s AS c (id, name, participants, phone_number_id, last_activity_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE c.name END,
			phone_number_id = CASE WHEN EXCLUDED.phone_number_id <> '' THEN EXCLUDED.phone_number_id ELSE c.phone_number_id END,
			participants = CASE $6::int
				WHEN 1 THEN $7::text[]
				WHEN 2 THEN CASE WHEN cardinality(c.participants) = 0 THEN $7::text[] ELSE c.participants END
				ELSE c.participants END,
			last_activity_at = GREATEST(c.last_activity_at, EXCLUDED.last_activity_at)
		RETURNING id, name, participants, phone_number_id, last_activity_at, (xmax = 0)`, s.conversationsTable())

	var (
		merged   Conversation
		at       sql.NullTime
		inserted bool
	)
	err := s.db.QueryRowContext(ctx, query,
		patch.ID, strings.TrimSpace(patch.Name), pq.Array(insertParticipants), strings.TrimSpace(patch.PhoneNumberID), lastActivity,
		int(patch.ParticipantSet), pq.Array(participants),
	).Scan(&merged.ID, &merged.Name, pq.Array(&merged.Participants), &merged.PhoneNumberID, &at, &inserted)
	if err != nil {
		return Conversation{}, fmt.Errorf("merge conversation: %w", err)
	}
	if merged.Participants == nil {
		merged.Participants = []string{}
	}
	if at.Valid {
		merged.LastActivityAt = at.Time.UTC()
	}

	kind := ChangeModified
	if inserted {
		kind = ChangeAdded
	}
	s.notify(ctx, postgresNotification{Kind: kind, ConversationID: merged.ID})
	return merged, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, participants, phone_number_id, last_activity_at
		FROM %s
		ORDER BY last_activity_at DESC NULLS LAST, id ASC
		LIMIT $1`, s.conversationsTable())
	rows, err := s.db.QueryContext(ctx, query, opts.limit())
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		conv, err := scanPostgresConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT conversation_id, id, sender, recipients, direction, body, status, created_at
		FROM %s
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, s.messagesTable())
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(conversationID), opts.limit())
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.startListener(); err != nil {
		return nil, err
	}
	return s.hub.open(ctx, topic, func() (Snapshot, error) {
		return snapshotFor(ctx, s, topic)
	})
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	query := fmt.Sprintf(`SELECT credential FROM %s WHERE user_id = $1`, s.credentialsTable())
	var credential string
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(userID)).Scan(&credential)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && credential == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

func (s *PostgresStore) SetCredential(ctx context.Context, userID, credential string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, credential, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET credential = EXCLUDED.credential, updated_at = NOW()`, s.credentialsTable())
	if _, err := s.db.ExecContext(ctx, query, userID, strings.TrimSpace(credential)); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.hub.closeAll()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// notify is best effort: the row is already committed and a lost
// notification only delays what subscribers see until they resubscribe.
func (s *PostgresStore) notify(ctx context.Context, n postgresNotification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel(), string(payload)); err != nil {
		s.logger.Warn("postgres change notify failed", "channel", s.channel(), "error", err)
	}
}

func (s *PostgresStore) startListener() error {
	s.listenOnce.Do(func() {
		listener := pq.NewListener(s.dsn, postgresListenerMinInterval, postgresListenerMaxInterval, func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("postgres listener event", "event", int(event), "error", err)
			}
		})
		if err := listener.Listen(s.channel()); err != nil {
			_ = listener.Close()
			s.listenErr = err
			return
		}
		s.listener = listener
		go s.relayNotifications(listener)
	})
	return s.listenErr
}

func (s *PostgresStore) relayNotifications(listener *pq.Listener) {
	for {
		select {
		case <-s.done:
			return
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; anything sent meanwhile is lost.
			if notification == nil {
				continue
			}
			var n postgresNotification
			if err := json.Unmarshal([]byte(notification.Extra), &n); err != nil {
				continue
			}
			s.relay(n)
		}
	}
}

func (s *PostgresStore) relay(n postgresNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if n.MessageID != "" {
		msg, err := s.GetMessage(ctx, n.ConversationID, n.MessageID)
		if err != nil {
			return
		}
		s.hub.publish(Change{Kind: n.Kind, Message: &msg})
		return
	}
	conv, err := s.GetConversation(ctx, n.ConversationID)
	if err != nil {
		return
	}
	s.hub.publish(Change{Kind: n.Kind, Conversation: &conv})
}

func scanPostgresConversation(row rowScanner) (Conversation, error) {
	var (
		conv Conversation
		at   sql.NullTime
	)
	if err := row.Scan(&conv.ID, &conv.Name, pq.Array(&conv.Participants), &conv.PhoneNumberID, &at); err != nil {
		return Conversation{}, err
	}
	if conv.Participants == nil {
		conv.Participants = []string{}
	}
	if at.Valid {
		conv.LastActivityAt = at.Time.UTC()
	}
	return conv, nil
}

func scanPostgresMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		direction string
	)
	if err := row.Scan(&msg.ConversationID, &msg.ID, &msg.From, pq.Array(&msg.To), &direction, &msg.Text, &msg.Status, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	if msg.To == nil {
		msg.To = []string{}
	}
	msg.Direction = Direction(direction)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
