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

package streaming

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrepareHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	PrepareHeaders(rec.Header())

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Expected Content-Type text/event-stream, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", got)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("Expected X-Accel-Buffering no, got %q", got)
	}
}

func TestWriteToken(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteToken("Dobar"); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}
	if err := w.WriteToken(" dan"); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}

	expected := "data: Dobar\n\ndata:  dan\n\n"
	if rec.Body.String() != expected {
		t.Errorf("Expected %q, got %q", expected, rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("Expected writer to flush after each frame")
	}
}

func TestWriteToken_MultiLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteToken("prvi\ndrugi"); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}

	expected := "data: prvi\ndata: drugi\n\n"
	if rec.Body.String() != expected {
		t.Errorf("Expected multi-line frame %q, got %q", expected, rec.Body.String())
	}
}

func TestWriteDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteDone(); err != nil {
		t.Fatalf("WriteDone failed: %v", err)
	}

	if rec.Body.String() != "data: [DONE]\n\n" {
		t.Errorf("Expected done marker frame, got %q", rec.Body.String())
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteError("upstream failed"); err != nil {
		t.Fatalf("WriteError failed: %v", err)
	}

	if rec.Body.String() != "data: [ERROR] upstream failed\n\n" {
		t.Errorf("Expected error marker frame, got %q", rec.Body.String())
	}
}

func TestWriteError_CollapsesNewlines(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteError("line one\nline two"); err != nil {
		t.Fatalf("WriteError failed: %v", err)
	}

	if rec.Body.String() != "data: [ERROR] line one line two\n\n" {
		t.Errorf("Expected single-frame error marker, got %q", rec.Body.String())
	}
}

func TestWriteMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	trace := Trace{
		Model:         "gpt-4o",
		LatencyMs:     123,
		RetrievedDocs: 2,
		RetrievedDocsTop3: []TraceDoc{
			{Title: "Odvoz otpada", Source: "https://example.hr/otpad", Score: 0.91},
			{Title: "Komunalni red", Source: "https://example.hr/red", Score: 0.77},
		},
		UsedFallback: false,
	}

	if err := w.WriteMeta(trace); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: meta\ndata: ") {
		t.Fatalf("Expected meta event frame, got %q", body)
	}

	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: meta\ndata: "), "\n\n")
	var decoded Trace
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("Failed to decode trace payload: %v", err)
	}

	if decoded.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %q", decoded.Model)
	}
	if decoded.RetrievedDocs != 2 {
		t.Errorf("Expected retrieved_docs_count 2, got %d", decoded.RetrievedDocs)
	}
	if len(decoded.RetrievedDocsTop3) != 2 {
		t.Errorf("Expected 2 trace docs, got %d", len(decoded.RetrievedDocsTop3))
	}
}

func TestWriteMeta_NilTopDocsSerializesAsEmptyArray(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.WriteMeta(Trace{Model: "gpt-4o", UsedFallback: true}); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	if !strings.Contains(rec.Body.String(), `"retrieved_docs_top3":[]`) {
		t.Errorf("Expected empty array for top3 docs, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"used_fallback":true`) {
		t.Errorf("Expected used_fallback true, got %q", rec.Body.String())
	}
}
