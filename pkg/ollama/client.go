package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ramble/pkg/events"
)

const DefaultBaseURL = "http://localhost:11434"

// Client talks to the local generation service. Generate streams; the
// response body is newline-delimited JSON records reassembled into lines
// before parsing, however the transport chunked them.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithIdleTimeout bounds how long the stream may go without producing a
// line before the read is cancelled and treated as a mid-stream failure.
// Zero disables the bound.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

func NewClient(options ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{},
		idleTimeout: 2 * time.Minute,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate issues one streaming generation call. A failure to initiate the
// call is returned to the caller and nothing is published. On success it
// returns immediately; a spawned task reads the stream and publishes
// normalized events to the sinks:
//
//   - a start event before the first read,
//   - a partial event per incremental chunk (malformed lines are logged
//     and skipped, they never abort the stream),
//   - exactly one final event when the generator signals completion,
//   - an error event if the stream drops or idles out mid-generation, in
//     which case no final event is ever published.
func (c *Client) Generate(ctx context.Context, meta events.EventMetadata, prompt string, sinks ...events.EventSink) error {
	body, err := json.Marshal(generateRequest{
		Model:  meta.Model,
		Prompt: prompt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal generate request")
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to reach generation service")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return errors.Errorf("generation service returned status %d", resp.StatusCode)
	}

	go c.stream(streamCtx, cancel, resp, meta, sinks)

	return nil
}

func (c *Client) stream(ctx context.Context, cancel context.CancelFunc, resp *http.Response, meta events.EventMetadata, sinks []events.EventSink) {
	defer cancel()
	defer func() {
		_ = resp.Body.Close()
	}()

	events.PublishTo(events.NewStartEvent(meta), sinks...)

	var idleTimer *time.Timer
	if c.idleTimeout > 0 {
		idleTimer = time.AfterFunc(c.idleTimeout, cancel)
		defer idleTimer.Stop()
	}

	completion := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if idleTimer != nil {
			idleTimer.Reset(c.idleTimeout)
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.Warn().Err(err).
				Object("meta", meta).
				Msg("skipping malformed generation record")
			continue
		}

		if chunk.Done {
			completion += chunk.Response
			events.PublishTo(events.NewFinalEvent(meta, completion), sinks...)
			log.Debug().Object("meta", meta).Msg("generation complete")
			return
		}

		completion += chunk.Response
		events.PublishTo(events.NewPartialEvent(meta, chunk.Response, completion), sinks...)
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Object("meta", meta).Msg("generation stream failed mid-flight")
		events.PublishTo(events.NewErrorEvent(meta, err), sinks...)
		return
	}

	// stream ended without a done record
	log.Warn().Object("meta", meta).Msg("generation stream ended without completion")
	events.PublishTo(events.NewErrorEvent(meta, errors.New("stream ended without completion")), sinks...)
}
