package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

// keepaliveInterval is how often an idle stream writes an empty line so
// proxies and clients see the connection is alive.
const keepaliveInterval = 30 * time.Second

// streamBuffer is the per-client event buffer. A client that cannot
// keep up loses events rather than blocking the emitter.
const streamBuffer = 256

// streamEvents streams every bus event as line-delimited JSON until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, maestro.CodeInternal, "streaming unsupported", nil)
		return
	}

	ch := make(chan maestro.Event, streamBuffer)
	unsubscribe := s.bus.Subscribe(func(ev maestro.Event) {
		select {
		case ch <- ev:
		default:
			// Slow client; drop.
		}
	})
	defer unsubscribe()

	s.streamHeaders(w)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// logFrame is one line of the per-execution log stream.
type logFrame struct {
	Type    string `json:"type"` // "log" or "complete"
	Payload any    `json:"payload"`
}

// completePayload is the terminal frame of a log stream.
type completePayload struct {
	Status maestro.ExecutionStatus `json:"status"`
	Result maestro.ExecutionResult `json:"result,omitempty"`
}

// streamExecutionLogs replays the execution's persisted log lines, then
// streams live lines, and ends with a single "complete" frame once the
// execution reaches a terminal status. The live subscription opens
// before the replay so no line falls in the gap; a line produced during
// the replay may appear twice.
func (s *Server) streamExecutionLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, maestro.CodeInternal, "streaming unsupported", nil)
		return
	}

	logCh := make(chan maestro.ExecutionLogEvent, streamBuffer)
	unsubLogs := s.bus.SubscribeToExecutionLogs(id, func(ev maestro.Event) {
		if p, ok := ev.Payload.(maestro.ExecutionLogEvent); ok {
			select {
			case logCh <- p:
			default:
			}
		}
	})
	defer unsubLogs()

	// Terminal transitions arrive on the global channel.
	doneCh := make(chan completePayload, 1)
	unsubGlobal := s.bus.Subscribe(func(ev maestro.Event) {
		if ev.Type != maestro.EventExecutionUpdated {
			return
		}
		p, ok := ev.Payload.(maestro.ExecutionEvent)
		if !ok || p.ID != id || !p.Status.Terminal() {
			return
		}
		select {
		case doneCh <- completePayload{Status: p.Status, Result: p.Result}:
		default:
		}
	})
	defer unsubGlobal()

	logs, err := s.store.ListExecutionLogs(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.streamHeaders(w)
	enc := json.NewEncoder(w)
	for _, l := range logs {
		frame := logFrame{Type: "log", Payload: maestro.ExecutionLogEvent{
			ExecutionID: l.ExecutionID,
			Content:     l.Content,
			Timestamp:   l.Timestamp,
		}}
		if err := enc.Encode(frame); err != nil {
			return
		}
	}
	flusher.Flush()

	if exec.Status.Terminal() {
		_ = enc.Encode(logFrame{Type: "complete", Payload: completePayload{Status: exec.Status, Result: exec.Result}})
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-logCh:
			if err := enc.Encode(logFrame{Type: "log", Payload: p}); err != nil {
				return
			}
			flusher.Flush()
		case done := <-doneCh:
			// Drain any lines that raced the terminal event.
			for {
				select {
				case p := <-logCh:
					if err := enc.Encode(logFrame{Type: "log", Payload: p}); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = enc.Encode(logFrame{Type: "complete", Payload: done})
			flusher.Flush()
			return
		case <-ticker.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) streamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
