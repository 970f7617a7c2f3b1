package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		summaries, err := e.store.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range summaries {
			last := "-"
			if s.LastMessageAt != nil {
				last = s.LastMessageAt.Format("2006-01-02 15:04:05")
			}
			lineage := ""
			if s.SourceConversationID != nil {
				lineage = fmt.Sprintf(" (fork of %d)", *s.SourceConversationID)
			}
			fmt.Printf("%d\t%s\t%s%s\n", s.ID, last, s.Name, lineage)
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Refresh and list known models",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		names, err := e.client.ListModels(ctx)
		if err != nil {
			return err
		}
		if err := e.store.UpsertModels(ctx, names); err != nil {
			return err
		}

		models, err := e.store.ListModels(ctx)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Printf("%d\t%s\n", m.ID, m.Name)
		}
		return nil
	},
}

var forkCmd = &cobra.Command{
	Use:   "fork <conversation-id> <message-id>",
	Short: "Fork a conversation at a message into a new conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		messageID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		fork, err := e.store.ForkConversation(cmd.Context(), conversationID, messageID)
		if err != nil {
			return err
		}
		fmt.Printf("%d\t%s\n", fork.ID, fork.Name)
		return nil
	},
}
