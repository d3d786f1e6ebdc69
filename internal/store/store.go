package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"codeloom/internal/models"
	storagesqlite "codeloom/internal/storage/sqlite"
)

// Store is the on-disk chat-history repository.
type Store struct {
	db *sql.DB
}

func NewSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := (storagesqlite.Manager{}).UpToLatest(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateConversation(title string) (*models.Conversation, error) {
	c := &models.Conversation{
		ID:      uuid.NewString(),
		Title:   title,
		Created: time.Now().UTC(),
	}
	c.Updated = c.Created
	_, err := s.db.Exec(`INSERT INTO conversations(id, title, created_at, updated_at) VALUES(?,?,?,?)`,
		c.ID, c.Title, c.Created.Format(time.RFC3339Nano), c.Updated.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListConversations() ([]*models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, title, created_at, updated_at FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(id string) (*models.Conversation, bool) {
	row := s.db.QueryRow(`SELECT id, title, created_at, updated_at FROM conversations WHERE id=?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (s *Store) DeleteConversation(id string) error {
	if _, err := s.db.Exec(`DELETE FROM conversation_messages WHERE conv_id=?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id=?`, id)
	return err
}

// AppendMessage stores one turn and bumps the conversation's updated stamp.
func (s *Store) AppendMessage(convID, role, content, fullContent string) (*models.ChatMessage, error) {
	if _, ok := s.GetConversation(convID); !ok {
		return nil, fmt.Errorf("store: unknown conversation %s", convID)
	}
	m := &models.ChatMessage{
		ID:          uuid.NewString(),
		ConvID:      convID,
		Role:        role,
		Content:     content,
		FullContent: fullContent,
		Created:     time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO conversation_messages(id, conv_id, role, content, full_content, created_at) VALUES(?,?,?,?,?,?)`,
		m.ID, m.ConvID, m.Role, m.Content, m.FullContent, m.Created.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	_, _ = s.db.Exec(`UPDATE conversations SET updated_at=? WHERE id=?`, m.Created.Format(time.RFC3339Nano), convID)
	return m, nil
}

func (s *Store) ListMessages(convID string) ([]*models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT id, conv_id, role, content, full_content, created_at FROM conversation_messages WHERE conv_id=? ORDER BY created_at ASC, id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var full sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.ConvID, &m.Role, &m.Content, &full, &created); err != nil {
			return nil, err
		}
		m.FullContent = full.String
		m.Created, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var title sql.NullString
	var created, updated string
	if err := r.Scan(&c.ID, &title, &created, &updated); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.Created, _ = time.Parse(time.RFC3339Nano, created)
	c.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return &c, nil
}
