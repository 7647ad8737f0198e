// Package remote provides an Embedder backed by a remote embedding service
// over a websocket. The wire protocol is one JSON request per frame:
//
//	-> {"text": "build fails with OOM"}
//	<- {"embedding": [0.12, ...]}            on success
//	<- {"error": "model overloaded"}         on failure
//
// Requests are serialized over a single connection; a failed connection is
// dropped and redialed on the next call.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	casebank "github.com/becomeliminal/casebank-go"
)

// Embedder is a websocket embedding client.
type Embedder struct {
	url        string
	dimensions int

	mu   sync.Mutex
	conn *websocket.Conn
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// New creates a client for the embedding service at url
// (e.g. "ws://localhost:8090/embed"). The connection is established
// lazily on the first Embed call.
func New(url string, dimensions int) (*Embedder, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &Embedder{url: url, dimensions: dimensions}, nil
}

// Embed sends the text to the service and waits for its vector, honoring
// the context deadline. Any transport or service failure maps to
// ErrEmbeddingFailed; the connection is redialed on the next call.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := e.connLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", casebank.ErrEmbeddingFailed, e.url, err)
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err == nil {
		err = conn.WriteJSON(embedRequest{Text: text})
		if err != nil {
			e.dropLocked()
			return nil, fmt.Errorf("%w: send: %v", casebank.ErrEmbeddingFailed, err)
		}
	} else {
		e.dropLocked()
		return nil, fmt.Errorf("%w: %v", casebank.ErrEmbeddingFailed, err)
	}

	var resp embedResponse
	if err := conn.SetReadDeadline(deadline); err != nil {
		e.dropLocked()
		return nil, fmt.Errorf("%w: %v", casebank.ErrEmbeddingFailed, err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		e.dropLocked()
		return nil, fmt.Errorf("%w: receive: %v", casebank.ErrEmbeddingFailed, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: service: %s", casebank.ErrEmbeddingFailed, resp.Error)
	}
	if len(resp.Embedding) != e.dimensions {
		return nil, fmt.Errorf("%w: service returned %d dimensions, expected %d",
			casebank.ErrEmbeddingFailed, len(resp.Embedding), e.dimensions)
	}
	return resp.Embedding, nil
}

// Dimensions returns the configured embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close shuts the connection down.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

func (e *Embedder) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Embedder) dropLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}
