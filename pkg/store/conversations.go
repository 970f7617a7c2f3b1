package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ramble/pkg/chat"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const conversationColumns = `id, name, model_id, source_conversation_id, inserted_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (chat.Conversation, error) {
	var c chat.Conversation
	var source sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.ModelID, &source, &c.InsertedAt, &c.UpdatedAt)
	if err != nil {
		return chat.Conversation{}, err
	}
	if source.Valid {
		c.SourceConversationID = &source.Int64
	}
	return c, nil
}

func getConversation(ctx context.Context, q querier, id int64) (chat.Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, errors.Wrapf(ErrNotFound, "conversation %d", id)
	}
	return c, err
}

// CreateConversation inserts a new conversation selecting the default model.
func (s *Store) CreateConversation(ctx context.Context, name string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		model, err := defaultModel(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (name, model_id) VALUES (?, ?)`, name, model.ID)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		conv, err = getConversation(ctx, tx, id)
		return err
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func (s *Store) RenameConversation(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		name, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// SetConversationModel reassigns the conversation's selected model.
func (s *Store) SetConversationModel(ctx context.Context, id int64, modelID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET model_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		modelID, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// DeleteConversation removes the conversation and, by cascade, all of its
// messages. Forks that referenced it survive with their lineage pointer set
// to null.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// ListConversations returns all conversations, newest first, each with the
// time of its most recent message.
func (s *Store) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
		    c.id, c.name, c.model_id, c.source_conversation_id,
		    c.inserted_at, c.updated_at,
		    last_messages.last_message_inserted_at
		FROM conversations c
		LEFT JOIN (
		    SELECT conversation_id, MAX(inserted_at) AS last_message_inserted_at
		    FROM messages
		    GROUP BY conversation_id
		) last_messages ON last_messages.conversation_id = c.id
		ORDER BY c.inserted_at DESC, c.id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []chat.ConversationSummary
	for rows.Next() {
		var cs chat.ConversationSummary
		var source sql.NullInt64
		var last sql.NullString
		if err := rows.Scan(
			&cs.ID, &cs.Name, &cs.ModelID, &source,
			&cs.InsertedAt, &cs.UpdatedAt, &last,
		); err != nil {
			return nil, err
		}
		if source.Valid {
			cs.SourceConversationID = &source.Int64
		}
		if last.Valid {
			// the aggregate loses the column's datetime affinity, so the
			// driver hands back the raw text
			t, err := time.ParseInLocation("2006-01-02 15:04:05", last.String, time.UTC)
			if err != nil {
				return nil, errors.Wrapf(err, "conversation %d last message time", cs.ID)
			}
			cs.LastMessageAt = &t
		}
		ret = append(ret, cs)
	}
	return ret, rows.Err()
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "conversation %d", id)
	}
	return nil
}
