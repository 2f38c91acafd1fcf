package chatstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

// SQLiteConversationStore is the default embedded store. Timestamps are stored
// as unix microseconds.
type SQLiteConversationStore struct {
	db    *sql.DB
	clock *clock
}

var _ ConversationStore = &SQLiteConversationStore{}

func NewSQLiteConversationStore(dsn string) (*SQLiteConversationStore, error) {
	if dsn == "" {
		return nil, storageErr("open", errors.New("empty dsn"))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	s := &SQLiteConversationStore{db: db, clock: newClock()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteConversationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteConversationStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  title TEXT NOT NULL,
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  conversation_id INTEGER NOT NULL,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at INTEGER NOT NULL,
		  FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation
		  ON messages(conversation_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated
		  ON conversations(updated_at DESC, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return storageErr("migrate", err)
		}
	}
	log.Debug().Str("component", "chatstore").Msg("sqlite schema ready")
	return nil
}

func (s *SQLiteConversationStore) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	const op = "create conversation"
	if s == nil || s.db == nil {
		return Conversation{}, storageErr(op, errors.New("db is nil"))
	}
	now := s.clock.next()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(title, created_at, updated_at) VALUES(?, ?, ?)`,
		title, now, now)
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	return Conversation{ID: id, Title: title, CreatedAt: fromMicros(now), UpdatedAt: fromMicros(now)}, nil
}

func (s *SQLiteConversationStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	const op = "list conversations"
	if s == nil || s.db == nil {
		return nil, storageErr(op, errors.New("db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id DESC
	`)
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

func (s *SQLiteConversationStore) GetConversation(ctx context.Context, id int64) (Conversation, bool, error) {
	const op = "get conversation"
	if s == nil || s.db == nil {
		return Conversation{}, false, storageErr(op, errors.New("db is nil"))
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, storageErr(op, err)
	}
	return c, true, nil
}

func (s *SQLiteConversationStore) RenameConversation(ctx context.Context, id int64, title string) (Conversation, error) {
	const op = "rename conversation"
	if s == nil || s.db == nil {
		return Conversation{}, storageErr(op, errors.New("db is nil"))
	}
	now := s.clock.next()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpConversation(ctx, tx, id, now, &title); err != nil {
		return Conversation{}, storageErr(op, err)
	}
	c, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id))
	if err != nil {
		return Conversation{}, storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, storageErr(op, err)
	}
	return c, nil
}

func (s *SQLiteConversationStore) DeleteConversation(ctx context.Context, id int64) error {
	const op = "delete conversation"
	if s == nil || s.db == nil {
		return storageErr(op, errors.New("db is nil"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	// The foreign key cascades, but connections opened without
	// _foreign_keys=on would leave orphans behind.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return storageErr(op, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return storageErr(op, err)
	}
	return storageErr(op, tx.Commit())
}

func (s *SQLiteConversationStore) AppendMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (Message, error) {
	const op = "append message"
	if s == nil || s.db == nil {
		return Message{}, storageErr(op, errors.New("db is nil"))
	}
	if err := validRole(role); err != nil {
		return Message{}, storageErr(op, err)
	}
	now := s.clock.next()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	// a restarted process may hand out stamps older than rows already stored
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(?, COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = ?), 0) + 1)`,
		now, conversationID).Scan(&now); err != nil {
		return Message{}, storageErr(op, err)
	}
	if err := bumpConversation(ctx, tx, conversationID, now, nil); err != nil {
		return Message{}, storageErr(op, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		conversationID, role.String(), content, now)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, storageErr(op, err)
	}
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      fromMicros(now),
	}, nil
}

func (s *SQLiteConversationStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	const op = "list messages"
	if s == nil || s.db == nil {
		return nil, storageErr(op, errors.New("db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(op, rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

func scanMessages(op string, rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created); err != nil {
			return nil, storageErr(op, err)
		}
		r, err := chat.ParseRole(role)
		if err != nil {
			return nil, storageErr(op, errors.Wrapf(err, "message %d", m.ID))
		}
		m.Role = r
		m.CreatedAt = fromMicros(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// bumpConversation moves updated_at forward (strictly, even if the wall clock
// went backwards) and optionally sets the title.
func bumpConversation(ctx context.Context, tx *sql.Tx, id int64, now int64, title *string) error {
	var (
		res sql.Result
		err error
	)
	if title != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET title = ?,
			    updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at + 1 END
			WHERE id = ?
		`, *title, now, now, id)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at + 1 END
			WHERE id = ?
		`, now, now, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrConversationNotFound, "id %d", id)
	}
	return nil
}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and foreign keys on.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite conversation store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
