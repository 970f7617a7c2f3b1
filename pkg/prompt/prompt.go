package prompt

import (
	"strings"

	"github.com/go-go-golems/ramble/pkg/chat"
)

// Build renders an ordered message list as a speaker-prefixed transcript,
// one "<speaker>: <body>\n" line block per message. Pure and deterministic.
func Build(messages []chat.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Who.String())
		sb.WriteString(": ")
		sb.WriteString(m.Body)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BuildWithCue appends the model speaker prefix to the transcript so the
// generator continues it as the next turn.
func BuildWithCue(messages []chat.Message) string {
	return Build(messages) + chat.WhoModel.String() + ":"
}
