package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ramble/pkg/events"
)

// collectSink gathers published events on a channel so tests can wait for
// the stream goroutine without polling.
type collectSink struct {
	ch chan events.Event
}

func newCollectSink() *collectSink {
	return &collectSink{ch: make(chan events.Event, 64)}
}

func (s *collectSink) PublishEvent(event events.Event) error {
	s.ch <- event
	return nil
}

// drainUntilTerminal receives events until a final or error event arrives.
func drainUntilTerminal(t *testing.T, sink *collectSink) []events.Event {
	t.Helper()
	var got []events.Event
	for {
		select {
		case ev := <-sink.ch:
			got = append(got, ev)
			switch ev.(type) {
			case *events.EventFinal, *events.EventError:
				return got
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
}

func testMeta() events.EventMetadata {
	return events.EventMetadata{
		GenerationID:   uuid.New(),
		ConversationID: 1,
		MessageID:      2,
		Model:          "llama2",
	}
}

func TestGenerateStreamsDeltasAndFinal(t *testing.T) {
	var gotReq generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			`{"response":"Hi","done":false}`,
			`{"response":" there","done":false}`,
			`{"response":"","done":true}`,
		} {
			fmt.Fprintln(w, chunk)
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	sink := newCollectSink()
	meta := testMeta()

	require.NoError(t, client.Generate(context.Background(), meta, "me: Hello\nmodel:", sink))

	got := drainUntilTerminal(t, sink)
	require.Len(t, got, 4)

	_, ok := got[0].(*events.EventGenerationStart)
	require.True(t, ok, "first event should be start, got %T", got[0])

	p1, ok := got[1].(*events.EventPartial)
	require.True(t, ok, "expected partial, got %T", got[1])
	assert.Equal(t, "Hi", p1.Delta)
	assert.Equal(t, "Hi", p1.Completion)

	p2, ok := got[2].(*events.EventPartial)
	require.True(t, ok, "expected partial, got %T", got[2])
	assert.Equal(t, " there", p2.Delta)
	assert.Equal(t, "Hi there", p2.Completion)

	final, ok := got[3].(*events.EventFinal)
	require.True(t, ok, "expected final, got %T", got[3])
	assert.Equal(t, "Hi there", final.Text)
	assert.Equal(t, meta.GenerationID, final.Metadata().GenerationID)

	assert.Equal(t, "llama2", gotReq.Model)
	assert.Equal(t, "me: Hello\nmodel:", gotReq.Prompt)
}

func TestGenerateReassemblesSplitLines(t *testing.T) {
	// one JSON record delivered across several writes; the client must not
	// parse until the newline arrives
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `{"response":"Hel`)
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `lo","done":false}`+"\n")
		flusher.Flush()
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	sink := newCollectSink()

	require.NoError(t, client.Generate(context.Background(), testMeta(), "p", sink))

	got := drainUntilTerminal(t, sink)
	require.Len(t, got, 3)
	partial, ok := got[1].(*events.EventPartial)
	require.True(t, ok, "expected partial, got %T", got[1])
	assert.Equal(t, "Hello", partial.Delta)
}

func TestGenerateSkipsMalformedLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"a","done":false}`)
		fmt.Fprintln(w, `this is not json`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"response":"b","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	sink := newCollectSink()

	require.NoError(t, client.Generate(context.Background(), testMeta(), "p", sink))

	got := drainUntilTerminal(t, sink)

	var deltas []string
	for _, ev := range got {
		if partial, ok := ev.(*events.EventPartial); ok {
			deltas = append(deltas, partial.Delta)
		}
	}
	assert.Equal(t, []string{"a", "b"}, deltas)

	final, ok := got[len(got)-1].(*events.EventFinal)
	require.True(t, ok, "stream must still complete, got %T", got[len(got)-1])
	assert.Equal(t, "ab", final.Text)
}

func TestGenerateMidStreamDropPublishesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"partial text","done":false}`)
		flusher.Flush()
		// drop the connection without ever sending done
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	sink := newCollectSink()

	require.NoError(t, client.Generate(context.Background(), testMeta(), "p", sink))

	got := drainUntilTerminal(t, sink)

	_, ok := got[len(got)-1].(*events.EventError)
	require.True(t, ok, "expected terminal error event, got %T", got[len(got)-1])
	for _, ev := range got {
		_, isFinal := ev.(*events.EventFinal)
		assert.False(t, isFinal, "a failed generation must not publish a final event")
	}
}

func TestGenerateIdleTimeoutPublishesError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"a","done":false}`)
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(WithBaseURL(server.URL), WithIdleTimeout(50*time.Millisecond))
	sink := newCollectSink()

	require.NoError(t, client.Generate(context.Background(), testMeta(), "p", sink))

	got := drainUntilTerminal(t, sink)
	_, ok := got[len(got)-1].(*events.EventError)
	require.True(t, ok, "expected idle stream to end in an error event, got %T", got[len(got)-1])
}

func TestGenerateInitiationFailureIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	sink := newCollectSink()

	err := client.Generate(context.Background(), testMeta(), "p", sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	select {
	case ev := <-sink.ch:
		t.Fatalf("no events expected on initiation failure, got %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGenerateUnreachableService(t *testing.T) {
	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	sink := newCollectSink()

	err := client.Generate(context.Background(), testMeta(), "p", sink)
	require.Error(t, err)
}

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprintln(w, `{"models":[{"name":"llama2"},{"name":"mistral"}]}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	names, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama2", "mistral"}, names)
}
