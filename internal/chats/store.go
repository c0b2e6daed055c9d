// Package chats persists conversations and their messages, scoped to the
// owning user.
package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultTitle   = "New chat"
	MaxTitleRunes  = 120
	timestampStyle = "2006-01-02T15:04:05.000000Z"
)

var (
	ErrNotFound    = errors.New("chat not found")
	ErrInvalidRole = errors.New("invalid message role")
)

var validRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

type Chat struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Seq       int    `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type NewMessage struct {
	Role    string
	Content string
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{db: db, now: time.Now}
}

func (s Store) WithClock(now func() time.Time) Store {
	s.now = now
	return s
}

func (s Store) timestamp() string {
	return s.now().UTC().Format(timestampStyle)
}

// NormalizeTitle collapses whitespace and caps the title length. An empty
// result falls back to DefaultTitle.
func NormalizeTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:MaxTitleRunes]))
	}
	return title
}

func (s Store) CreateChat(ctx context.Context, userID, title string) (Chat, error) {
	ts := s.timestamp()
	chat := Chat{ID: uuid.NewString(), Title: NormalizeTitle(title), CreatedAt: ts, UpdatedAt: ts}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO chats (id, user_id, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?);
`, chat.ID, userID, chat.Title, chat.CreatedAt, chat.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

func (s Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, created_at, updated_at
FROM chats
WHERE user_id = ?
ORDER BY updated_at DESC, id ASC;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0, 16)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}

func (s Store) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, created_at, updated_at
FROM chats
WHERE id = ? AND user_id = ?
LIMIT 1;
`, chatID, userID).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s Store) RenameChat(ctx context.Context, userID, chatID, title string) (Chat, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE chats SET title = ?, updated_at = ?
WHERE id = ? AND user_id = ?;
`, NormalizeTitle(title), s.timestamp(), chatID, userID)
	if err != nil {
		return Chat{}, fmt.Errorf("rename chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Chat{}, ErrNotFound
	}
	return s.GetChat(ctx, userID, chatID)
}

// DeleteChat removes the chat and its messages. Messages are deleted
// explicitly so the result does not depend on foreign key enforcement.
func (s Store) DeleteChat(ctx context.Context, userID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages
WHERE chat_id IN (SELECT id FROM chats WHERE id = ? AND user_id = ?);
`, chatID, userID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?;`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// DeleteAllChats removes every chat owned by userID and reports how many
// chats were removed.
func (s Store) DeleteAllChats(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete chats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages
WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?);
`, userID); err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ?;`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete chats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted chats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete chats: %w", err)
	}
	return n, nil
}

// AppendMessages adds messages after the chat's current last message in one
// transaction and bumps the chat's updated_at.
func (s Store) AppendMessages(ctx context.Context, userID, chatID string, messages []NewMessage) ([]Message, error) {
	for _, m := range messages {
		if _, ok := validRoles[m.Role]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ? LIMIT 1;`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup chat: %w", err)
	}

	var lastSeq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE chat_id = ?;`, chatID).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("read last message seq: %w", err)
	}

	ts := s.timestamp()
	out := make([]Message, 0, len(messages))
	for i, m := range messages {
		msg := Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Seq:       lastSeq + i + 1,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: ts,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, chat_id, user_id, seq, role, content, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, msg.ID, msg.ChatID, userID, msg.Seq, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		out = append(out, msg)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?;`, ts, chatID); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append messages: %w", err)
	}
	return out, nil
}

func (s Store) ListMessages(ctx context.Context, userID, chatID string) ([]Message, error) {
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, seq, role, content, created_at
FROM messages
WHERE chat_id = ?
ORDER BY seq ASC;
`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
