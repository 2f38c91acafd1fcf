package chatstore

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

// PostgresConversationStore keeps the same schema and ordering rules as the
// SQLite store for deployments that share one database between hosts.
type PostgresConversationStore struct {
	db    *sql.DB
	clock *clock
}

var _ ConversationStore = &PostgresConversationStore{}

func NewPostgresConversationStore(ctx context.Context, dsn string) (*PostgresConversationStore, error) {
	if dsn == "" {
		return nil, storageErr("open", errors.New("empty dsn"))
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}
	s := &PostgresConversationStore{db: db, clock: newClock()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresConversationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresConversationStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         BIGSERIAL PRIMARY KEY,
			title      TEXT   NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT   NOT NULL,
			content         TEXT   NOT NULL,
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated ON conversations(updated_at DESC, id DESC)`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

func (s *PostgresConversationStore) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	const op = "create conversation"
	now := s.clock.next()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations(title, created_at, updated_at) VALUES($1, $2, $2) RETURNING id`,
		title, now).Scan(&id)
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	return Conversation{ID: id, Title: title, CreatedAt: fromMicros(now), UpdatedAt: fromMicros(now)}, nil
}

func (s *PostgresConversationStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	const op = "list conversations"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresConversationStore) GetConversation(ctx context.Context, id int64) (Conversation, bool, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, storageErr("get conversation", err)
	}
	return c, true, nil
}

func (s *PostgresConversationStore) RenameConversation(ctx context.Context, id int64, title string) (Conversation, error) {
	const op = "rename conversation"
	now := s.clock.next()
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET title = $1,
		    updated_at = GREATEST($2, updated_at + 1)
		WHERE id = $3
		RETURNING id, title, created_at, updated_at
	`, title, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, storageErr(op, errors.Wrapf(ErrConversationNotFound, "id %d", id))
	}
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	return c, nil
}

func (s *PostgresConversationStore) DeleteConversation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return storageErr("delete conversation", err)
}

func (s *PostgresConversationStore) AppendMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (Message, error) {
	const op = "append message"
	if err := validRole(role); err != nil {
		return Message{}, storageErr(op, err)
	}
	now := s.clock.next()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT GREATEST($1::BIGINT, COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = $2), 0) + 1)`,
		now, conversationID).Scan(&now); err != nil {
		return Message{}, storageErr(op, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = GREATEST($1, updated_at + 1) WHERE id = $2`,
		now, conversationID)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Message{}, storageErr(op, err)
	} else if n == 0 {
		return Message{}, storageErr(op, errors.Wrapf(ErrConversationNotFound, "id %d", conversationID))
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO messages(conversation_id, role, content, created_at) VALUES($1, $2, $3, $4) RETURNING id`,
		conversationID, role.String(), content, now).Scan(&id); err != nil {
		return Message{}, storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, storageErr(op, err)
	}
	return Message{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: fromMicros(now)}, nil
}

func (s *PostgresConversationStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	const op = "list messages"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(op, rows)
}
