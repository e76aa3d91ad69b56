package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/wire"
)

// responder produces the canned assistant answer for one submission and
// publishes the full event sequence a real backend would emit: the user echo,
// job updates, the token stream, and the final assistant message.
type responder struct {
	pub        message.Publisher
	topic      string
	tokenDelay time.Duration
	logger     zerolog.Logger
}

func (r *responder) respond(ctx context.Context, userMsg model.Message, assistantID int64, jobID string, persist func(model.Message)) {
	convID := userMsg.ConversationID

	r.publish(wire.MessageNew{Message: userMsg})
	r.publish(wire.JobUpdate{JobID: jobID, ConversationID: convID, Status: "running"})

	reply := cannedReply(userMsg.Content)
	r.publish(wire.StreamStart{ConversationID: convID, MessageID: assistantID})

	content := ""
	for _, token := range tokenize(reply) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.tokenDelay):
		}
		content += token
		r.publish(wire.StreamToken{ConversationID: convID, MessageID: assistantID, Token: token})
	}

	blocks := []model.Block{{Type: "markdown", Data: mustJSON(reply)}}
	r.publish(wire.StreamEnd{ConversationID: convID, MessageID: assistantID, Blocks: blocks})

	final := model.Message{
		ID:             assistantID,
		ConversationID: convID,
		Role:           model.RoleAssistant,
		Content:        content,
		Blocks:         blocks,
		CreatedAt:      time.Now(),
	}
	persist(final)
	r.publish(wire.MessageNew{Message: final})
	r.publish(wire.JobUpdate{JobID: jobID, ConversationID: convID, Status: "done"})
}

func (r *responder) publish(ev wire.Event) {
	raw, err := wire.Encode(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(ev.EventType())).Msg("encode event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	if err := r.pub.Publish(r.topic, msg); err != nil {
		r.logger.Warn().Err(err).Str("type", string(ev.EventType())).Msg("publish event")
	}
}

func cannedReply(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "I did not catch that."
	}
	return fmt.Sprintf("You said: %q. This is a canned reply from the dev server.", prompt)
}

// tokenize splits a reply into word-ish tokens, keeping the separators so the
// concatenation of all tokens reproduces the input exactly.
func tokenize(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
