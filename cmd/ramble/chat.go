package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ramble/pkg/chat"
	"github.com/go-go-golems/ramble/pkg/events"
)

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Chat in a conversation, streaming the reply as it is generated",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()

		// refresh the model cache; a dead generator is fatal here since
		// there is nothing to chat with
		names, err := e.client.ListModels(ctx)
		if err != nil {
			return err
		}
		if err := e.store.UpsertModels(ctx, names); err != nil {
			return err
		}

		conv, err := loadOrCreateConversation(cmd, args, e)
		if err != nil {
			return err
		}

		msgs, err := e.store.Messages(ctx, conv.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%s: %s\n", m.Who, m.Body)
		}

		// one feed for the whole session; subscribed before any send so no
		// event can slip past it
		feed, err := e.engine.Feed(ctx)
		if err != nil {
			return err
		}
		defer feed.Close()

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("me> ")
			if !scanner.Scan() {
				break
			}
			line := scanner.Text()
			if line == "" {
				continue
			}

			res, err := e.engine.SendMessage(ctx, conv.ID, line)
			if err != nil {
				return err
			}

			fmt.Print("model> ")
			streamReply(feed, res.GenerationID.String())
			fmt.Println()

			if err := e.engine.Wait(); err != nil {
				return err
			}
		}
		return scanner.Err()
	},
}

func streamReply(feed *events.Subscription, generationID string) {
	for ev := range feed.C() {
		if ev.Metadata().GenerationID.String() != generationID {
			continue
		}
		switch ev := ev.(type) {
		case *events.EventPartial:
			fmt.Print(ev.Delta)
		case *events.EventFinal:
			return
		case *events.EventError:
			fmt.Printf("[generation failed: %s]", ev.ErrorString)
			return
		}
	}
}

func loadOrCreateConversation(cmd *cobra.Command, args []string, e *env) (chat.Conversation, error) {
	ctx := cmd.Context()
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return chat.Conversation{}, err
		}
		return e.store.GetConversation(ctx, id)
	}

	c, err := e.store.CreateConversation(ctx, "a new conversation")
	if err != nil {
		return chat.Conversation{}, err
	}
	log.Info().Int64("conversation_id", c.ID).Msg("created conversation")
	return c, nil
}
