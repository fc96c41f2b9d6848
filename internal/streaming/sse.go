// Copyright 2025 Civic Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streaming implements the server-sent-events wire contract of the
// chat endpoint: token frames, a [DONE] completion marker, a trailing meta
// event with the request trace, and an in-band [ERROR] marker for failures
// after the stream is committed.
package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DoneMarker terminates the content portion of the stream
	DoneMarker = "[DONE]"
	// ErrorMarkerPrefix precedes the error message on mid-stream failures
	ErrorMarkerPrefix = "[ERROR] "
	// MetaEventName names the trailing trace event
	MetaEventName = "meta"
)

// Trace is the structured diagnostic record emitted once per request after
// the content stream completes.
type Trace struct {
	Model             string     `json:"model"`
	LatencyMs         int64      `json:"latency_ms"`
	RetrievedDocs     int        `json:"retrieved_docs_count"`
	RetrievedDocsTop3 []TraceDoc `json:"retrieved_docs_top3"`
	UsedFallback      bool       `json:"used_fallback"`
}

// TraceDoc summarizes one retrieved document for the trace event
type TraceDoc struct {
	Title  string  `json:"title"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Writer writes SSE frames to an underlying response writer, flushing after
// every frame so tokens reach the client as they are produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps an io.Writer as an SSE frame writer. If the writer also
// implements http.Flusher every frame is flushed immediately.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// PrepareHeaders sets the response headers for incremental text delivery.
// After this point the connection is committed to streaming mode and all
// error paths must be in-band frames.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteToken writes one incremental text token as a default-event data frame
func (s *Writer) WriteToken(token string) error {
	return s.writeFrame("", token)
}

// WriteDone writes the content completion marker
func (s *Writer) WriteDone() error {
	return s.writeFrame("", DoneMarker)
}

// WriteError writes the terminal in-band error marker
func (s *Writer) WriteError(message string) error {
	// The marker must stay a single frame; collapse embedded newlines.
	message = strings.ReplaceAll(message, "\n", " ")
	return s.writeFrame("", ErrorMarkerPrefix+message)
}

// WriteMeta writes the trailing trace event
func (s *Writer) WriteMeta(trace Trace) error {
	if trace.RetrievedDocsTop3 == nil {
		trace.RetrievedDocsTop3 = []TraceDoc{}
	}
	payload, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	return s.writeFrame(MetaEventName, string(payload))
}

// writeFrame writes a single SSE frame. Multi-line data is split into one
// data: line per line, per the SSE framing rules.
func (s *Writer) writeFrame(event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
