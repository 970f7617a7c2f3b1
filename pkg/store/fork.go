package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ramble/pkg/chat"
)

// ForkConversation copies the source conversation's messages up to and
// including the cut message into a brand-new conversation that records its
// lineage. Everything happens in one transaction; a fork either fully
// succeeds or leaves nothing behind.
//
// Copies get fresh ids and fresh timestamps. They are inserted in source
// (inserted_at, id) order, so the monotonically increasing ids preserve the
// relative order even when destination timestamps collide within the same
// instant.
func (s *Store) ForkConversation(ctx context.Context, sourceID int64, cutMessageID int64) (chat.Conversation, error) {
	var fork chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cutConversationID int64
		var cutInsertedAt string
		row := tx.QueryRowContext(ctx,
			`SELECT conversation_id, CAST(inserted_at AS TEXT) FROM messages WHERE id = ?`,
			cutMessageID)
		if err := row.Scan(&cutConversationID, &cutInsertedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errors.Wrapf(ErrNotFound, "message %d", cutMessageID)
			}
			return err
		}
		if cutConversationID != sourceID {
			return errors.Wrapf(ErrConversationMismatch,
				"message %d belongs to conversation %d, not %d",
				cutMessageID, cutConversationID, sourceID)
		}

		source, err := getConversation(ctx, tx, sourceID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (name, model_id, source_conversation_id) VALUES (?, ?, ?)`,
			fmt.Sprintf("fork of %s", source.Name), source.ModelID, sourceID)
		if err != nil {
			return err
		}
		forkID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		// the prefix ending at the cut message, in source order
		rows, err := tx.QueryContext(ctx, `
			SELECT body, who FROM messages
			WHERE conversation_id = ?
			  AND (CAST(inserted_at AS TEXT) < ?
			       OR (CAST(inserted_at AS TEXT) = ? AND id <= ?))
			ORDER BY inserted_at ASC, id ASC`,
			sourceID, cutInsertedAt, cutInsertedAt, cutMessageID)
		if err != nil {
			return err
		}

		type copied struct {
			body string
			who  string
		}
		var prefix []copied
		for rows.Next() {
			var c copied
			if err := rows.Scan(&c.body, &c.who); err != nil {
				_ = rows.Close()
				return err
			}
			prefix = append(prefix, c)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, c := range prefix {
			who, err := chat.ParseWho(c.who)
			if err != nil {
				return err
			}
			if _, err := insertMessage(ctx, tx, forkID, who, c.body); err != nil {
				return err
			}
		}

		fork, err = getConversation(ctx, tx, forkID)
		return err
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return fork, nil
}
