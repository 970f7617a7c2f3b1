package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ramble/pkg/chat"
	"github.com/go-go-golems/ramble/pkg/events"
	"github.com/go-go-golems/ramble/pkg/ollama"
	"github.com/go-go-golems/ramble/pkg/store"
)

type testEnv struct {
	store  *store.Store
	hub    *events.Hub
	engine *Engine
}

// newTestEnv wires a real store, hub, and generation client against the
// given fake generator handler.
func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "ramble.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertModels(ctx, []string{"llama2"}))

	hub := events.NewHub()
	t.Cleanup(func() { _ = hub.Close() })

	eng := New(st, hub, ollama.NewClient(ollama.WithBaseURL(server.URL)))
	t.Cleanup(func() { _ = eng.Close() })

	return &testEnv{store: st, hub: hub, engine: eng}
}

func scriptedGenerator(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintln(w, chunk)
			flusher.Flush()
		}
	}
}

func TestSendMessagePersistsStreamedReply(t *testing.T) {
	env := newTestEnv(t, scriptedGenerator(
		`{"response":"Hi","done":false}`,
		`{"response":" there","done":false}`,
		`{"response":"","done":true}`,
	))

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	res, err := env.engine.SendMessage(ctx, conv.ID, "Hello")
	require.NoError(t, err)

	assert.Equal(t, chat.WhoMe, res.UserMessage.Who)
	assert.Equal(t, "Hello", res.UserMessage.Body)
	assert.Equal(t, chat.WhoModel, res.Placeholder.Who)
	assert.Equal(t, "", res.Placeholder.Body)

	require.NoError(t, env.engine.Wait())

	reply, err := env.store.GetMessage(ctx, res.Placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply.Body)

	msgs, err := env.store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, res.UserMessage.ID, msgs[0].ID)
	assert.Equal(t, res.Placeholder.ID, msgs[1].ID)
}

func TestSendMessagePromptCarriesHistoryAndCue(t *testing.T) {
	var gotPrompt atomic.Value
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, jsonDecode(r, &req))
		gotPrompt.Store(req.Prompt)
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	})

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)
	_, err = env.store.InsertMessage(ctx, conv.ID, chat.WhoMe, "first")
	require.NoError(t, err)
	_, err = env.store.InsertMessage(ctx, conv.ID, chat.WhoModel, "reply")
	require.NoError(t, err)

	_, err = env.engine.SendMessage(ctx, conv.ID, "second")
	require.NoError(t, err)
	require.NoError(t, env.engine.Wait())

	assert.Equal(t, "me: first\nmodel: reply\nme: second\nmodel:", gotPrompt.Load())
}

func TestSendMessageFailedGenerationKeepsPartialReply(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		flusher.Flush()
		// connection dropped before done
	})

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	res, err := env.engine.SendMessage(ctx, conv.ID, "Hello")
	require.NoError(t, err)
	require.NoError(t, env.engine.Wait())

	reply, err := env.store.GetMessage(ctx, res.Placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", reply.Body)
}

func TestSendMessageUserRowSurvivesDeadGenerator(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	_, err = env.engine.SendMessage(ctx, conv.ID, "Hello")
	require.Error(t, err)

	// the durable prologue already committed; only the generation failed
	msgs, err := env.store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.Equal(t, "", msgs[1].Body)
}

func TestSendMessageSerializesGenerations(t *testing.T) {
	var inFlight, maxInFlight int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
		atomic.AddInt32(&inFlight, -1)
	})

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := env.engine.SendMessage(ctx, conv.ID, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	require.NoError(t, env.engine.Wait())

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight),
		"at most one generation may run at a time")

	msgs, err := env.store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i := 1; i < 6; i += 2 {
		assert.Equal(t, "ok", msgs[i].Body)
	}
}

func TestFeedObservesGenerationWithoutAffectingIt(t *testing.T) {
	env := newTestEnv(t, scriptedGenerator(
		`{"response":"Hi","done":false}`,
		`{"response":" there","done":false}`,
		`{"response":"","done":true}`,
	))

	ctx := context.Background()
	conv, err := env.store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	viewerCtx, cancelViewer := context.WithCancel(ctx)
	feed, err := env.engine.Feed(viewerCtx)
	require.NoError(t, err)

	res, err := env.engine.SendMessage(ctx, conv.ID, "Hello")
	require.NoError(t, err)

	// first delta observed live, then the viewer walks away mid-generation
	sawDelta := false
	for ev := range feed.C() {
		if partial, ok := ev.(*events.EventPartial); ok &&
			partial.Metadata().GenerationID == res.GenerationID {
			assert.Equal(t, "Hi", partial.Delta)
			sawDelta = true
			break
		}
	}
	require.True(t, sawDelta)
	cancelViewer()
	feed.Close()

	require.NoError(t, env.engine.Wait())

	reply, err := env.store.GetMessage(ctx, res.Placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply.Body,
		"generation must finish even after every viewer disconnects")
}

func TestSendMessageUnknownConversation(t *testing.T) {
	env := newTestEnv(t, scriptedGenerator(`{"response":"","done":true}`))

	_, err := env.engine.SendMessage(context.Background(), 999, "Hello")
	require.Error(t, err)
}

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
