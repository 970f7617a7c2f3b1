package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/ramble/pkg/chat"
	"github.com/go-go-golems/ramble/pkg/events"
	"github.com/go-go-golems/ramble/pkg/ollama"
	"github.com/go-go-golems/ramble/pkg/prompt"
	"github.com/go-go-golems/ramble/pkg/store"
)

// Engine orchestrates one generation per accepted user message: it runs the
// durable send prologue, starts the generation client publishing onto the
// hub, and drains the hub into the placeholder reply row.
//
// The generation lifecycle is bound to the engine, not to the request that
// triggered it: a caller or viewer going away never cancels a running
// generation or its persistence writer.
type Engine struct {
	store  *store.Store
	hub    *events.Hub
	client *ollama.Client

	ctx    context.Context
	cancel context.CancelFunc

	// one generation in flight at a time; held from start until the
	// persistence writer finishes
	genMu sync.Mutex

	group errgroup.Group
}

func New(st *store.Store, hub *events.Hub, client *ollama.Client) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  st,
		hub:    hub,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SendResult is returned as soon as the send prologue has committed and the
// generation tasks have started; the placeholder can be rendered
// immediately while its body fills in.
type SendResult struct {
	UserMessage  chat.Message
	Placeholder  chat.Message
	GenerationID uuid.UUID
}

// SendMessage accepts a user message for the conversation, starts the
// generation, and returns immediately. A second send blocks until the
// previous generation has fully settled.
func (e *Engine) SendMessage(ctx context.Context, conversationID int64, body string) (*SendResult, error) {
	receipt, err := e.store.BeginSend(ctx, conversationID, body)
	if err != nil {
		return nil, errors.Wrap(err, "send prologue failed")
	}

	meta := events.EventMetadata{
		GenerationID:   uuid.New(),
		ConversationID: conversationID,
		MessageID:      receipt.Placeholder.ID,
		Model:          receipt.ModelName,
	}

	e.genMu.Lock()

	// the writer subscribes before the client starts so it cannot miss
	// events; the subscription lives on the engine context, independent of
	// the request
	sub, err := e.hub.Subscribe(e.ctx, events.WithReliable())
	if err != nil {
		e.genMu.Unlock()
		return nil, errors.Wrap(err, "failed to subscribe persistence writer")
	}

	if err := e.client.Generate(e.ctx, meta, prompt.BuildWithCue(receipt.History), e.hub.Sink()); err != nil {
		sub.Close()
		e.genMu.Unlock()
		return nil, err
	}

	e.group.Go(func() error {
		defer e.genMu.Unlock()
		defer sub.Close()
		e.persist(sub, meta)
		return nil
	})

	log.Debug().Object("meta", meta).Msg("generation started")

	return &SendResult{
		UserMessage:  receipt.UserMessage,
		Placeholder:  receipt.Placeholder,
		GenerationID: meta.GenerationID,
	}, nil
}

// persist drains the hub, appending each incremental chunk to the
// placeholder row, until the generation ends. A generation that ends in an
// error (or whose subscription closes without a terminal event) keeps
// whatever partial body was already persisted; nothing is rolled back.
func (e *Engine) persist(sub *events.Subscription, meta events.EventMetadata) {
	for ev := range sub.C() {
		if ev.Metadata().GenerationID != meta.GenerationID {
			continue
		}

		switch ev := ev.(type) {
		case *events.EventPartial:
			if err := e.store.AppendMessageBody(e.ctx, meta.MessageID, ev.Delta); err != nil {
				log.Error().Err(err).Object("meta", meta).Msg("failed to append reply chunk")
				return
			}
		case *events.EventFinal:
			log.Debug().Object("meta", meta).Msg("reply persisted")
			return
		case *events.EventError:
			log.Warn().Str("error", ev.ErrorString).Object("meta", meta).
				Msg("generation failed, keeping partial reply")
			return
		}
	}
}

// Feed returns a fresh live-view subscription on the hub. Closing it (or
// its context) affects only this viewer; the generation always runs to
// completion or failure regardless of who is watching.
func (e *Engine) Feed(ctx context.Context) (*events.Subscription, error) {
	return e.hub.Subscribe(ctx)
}

// Wait blocks until all in-flight persistence writers have settled.
func (e *Engine) Wait() error {
	return e.group.Wait()
}

// Close stops accepting work and waits for in-flight writers.
func (e *Engine) Close() error {
	e.cancel()
	return e.group.Wait()
}
