// Package telemetry emits spend-decision events. Emission is
// fire-and-forget: the handler never blocks on the sink, and the
// bounded buffer drops on overflow.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one terminal spend decision.
type Event struct {
	ID             string `json:"id"`
	Deployment     string `json:"deployment,omitempty"`
	Result         string `json:"result"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	InGracePeriod  bool   `json:"in_grace_period"`
	GraceProtected bool   `json:"grace_protected,omitempty"`
	Idempotent     bool   `json:"idempotent,omitempty"`
	Remaining      *int   `json:"remaining,omitempty"`
	WindowUsed     string `json:"window_used,omitempty"`
	Ts             int64  `json:"ts"`
}

// Emitter buffers events and posts them to an optional HTTP sink.
type Emitter struct {
	sinkURL    string
	sinkKey    string
	deployment string
	client     *http.Client

	ch   chan Event
	done chan struct{}
	once sync.Once
}

const bufferSize = 256

// NewEmitter starts the drain loop. An empty sinkURL still buffers and
// drains events but never posts.
func NewEmitter(sinkURL, sinkKey, deployment string) *Emitter {
	e := &Emitter{
		sinkURL:    sinkURL,
		sinkKey:    sinkKey,
		deployment: deployment,
		client:     &http.Client{Timeout: 5 * time.Second},
		ch:         make(chan Event, bufferSize),
		done:       make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues an event without blocking; a full buffer drops it.
func (e *Emitter) Emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.Deployment = e.deployment
	ev.Ts = time.Now().UnixMilli()
	select {
	case e.ch <- ev:
	default:
	}
}

// Close stops the drain loop after flushing buffered events.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.ch)
		<-e.done
	})
}

func (e *Emitter) drain() {
	defer close(e.done)
	for ev := range e.ch {
		e.post(ev)
	}
}

func (e *Emitter) post(ev Event) {
	if e.sinkURL == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.sinkKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.sinkKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		log.Printf("telemetry post failed: %v", err)
		return
	}
	resp.Body.Close()
}
