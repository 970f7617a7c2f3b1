package store

import (
	"context"
	"database/sql"

	"github.com/go-go-golems/ramble/pkg/chat"
)

// SendReceipt is what the generation orchestrator needs after the send
// prologue: the durable user message, the empty placeholder reply, the full
// ordered history to prompt from (placeholder excluded), and the selected
// model name.
type SendReceipt struct {
	UserMessage chat.Message
	Placeholder chat.Message
	History     []chat.Message
	ModelName   string
}

// BeginSend runs the send prologue in one transaction: insert the user
// message, read the full ordered message list, insert the empty placeholder
// reply, and read the conversation's selected model.
//
// The commit ordering guarantees the user message is durably visible before
// the placeholder exists, and the placeholder before any append can target
// it.
func (s *Store) BeginSend(ctx context.Context, conversationID int64, userBody string) (SendReceipt, error) {
	var receipt SendReceipt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		receipt.UserMessage, err = insertMessage(ctx, tx, conversationID, chat.WhoMe, userBody)
		if err != nil {
			return err
		}

		receipt.History, err = listMessages(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		receipt.Placeholder, err = insertMessage(ctx, tx, conversationID, chat.WhoModel, "")
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT models.name FROM conversations
			JOIN models ON models.id = conversations.model_id
			WHERE conversations.id = ?`, conversationID)
		return row.Scan(&receipt.ModelName)
	})
	if err != nil {
		return SendReceipt{}, err
	}
	return receipt, nil
}
