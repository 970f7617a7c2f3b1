package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ramble/pkg/chat"
)

const messageColumns = `id, body, who, conversation_id, inserted_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (chat.Message, error) {
	var m chat.Message
	var who string
	err := row.Scan(&m.ID, &m.Body, &who, &m.ConversationID, &m.InsertedAt, &m.UpdatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	// speaker tags are validated on every crossing of the store boundary
	m.Who, err = chat.ParseWho(who)
	if err != nil {
		return chat.Message{}, errors.Wrapf(err, "message %d", m.ID)
	}
	return m, nil
}

func listMessages(ctx context.Context, q querier, conversationID int64) ([]chat.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY inserted_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

// Messages returns the conversation's messages in (inserted_at, id) order.
func (s *Store) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	return listMessages(ctx, s.db, conversationID)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return m, err
}

func insertMessage(ctx context.Context, q querier, conversationID int64, who chat.Who, body string) (chat.Message, error) {
	if !who.Valid() {
		return chat.Message{}, errors.Wrapf(chat.ErrUnknownSpeaker, "%q", who)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (body, who, conversation_id) VALUES (?, ?, ?)`,
		body, who.String(), conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, err
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *Store) InsertMessage(ctx context.Context, conversationID int64, who chat.Who, body string) (chat.Message, error) {
	return insertMessage(ctx, s.db, conversationID, who, body)
}

// AppendMessageBody appends delta to the message body in place. The update
// is a single atomic concatenation, never a rewrite, so concurrent readers
// always observe a valid prefix of the final body.
func (s *Store) AppendMessageBody(ctx context.Context, id int64, delta string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = body || ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		delta, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return nil
}
