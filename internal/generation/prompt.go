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

package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/your-org/civic-assistant/internal/retrieval"
)

const (
	// MaxDocumentChars caps each document's contribution to the context block
	MaxDocumentChars = 2000
	// MaxContextChars caps the assembled context block as a whole
	MaxContextChars = 8000

	// DefaultTitle is used for documents without a title
	DefaultTitle = "Untitled"
	// DefaultSource is used for documents without a source URL
	DefaultSource = "N/A"
)

// BuildContext assembles retrieved documents into a single bounded text
// block for prompt injection. Documents are taken in the given order; each
// is truncated to MaxDocumentChars and the accumulation stops before the
// total would exceed MaxContextChars. Returns "" for an empty input.
func BuildContext(docs []retrieval.RetrievedDocument) string {
	if len(docs) == 0 {
		return ""
	}

	var b strings.Builder
	total := 0
	for i, doc := range docs {
		title := doc.Title
		if title == "" {
			title = DefaultTitle
		}
		source := doc.SourceURL
		if source == "" {
			source = DefaultSource
		}

		// Budgets are counted in characters, not bytes, so a multi-byte
		// character is never split.
		content := doc.Content
		if runes := []rune(content); len(runes) > MaxDocumentChars {
			content = string(runes[:MaxDocumentChars])
		}

		entry := fmt.Sprintf("Dokument %d: %s\nIzvor: %s\n%s\n\n", i+1, title, source, content)

		entryChars := utf8.RuneCountInString(entry)
		if total+entryChars > MaxContextChars {
			break
		}
		b.WriteString(entry)
		total += entryChars
	}

	return strings.TrimRight(b.String(), "\n")
}

// buildSystemPrompt builds the persona and grounding instructions. The
// context block, when present, is appended verbatim.
func buildSystemPrompt(docContext string) string {
	var b strings.Builder

	b.WriteString(`Ti si službeni digitalni asistent gradske uprave. Odgovaraj isključivo na hrvatskom jeziku, pristojno i sažeto.

Pravila:
1. Odgovaraj samo na temelju priloženih službenih dokumenata.
2. Ako priloženi dokumenti ne sadrže odgovor, reci da nemaš dovoljno informacija i uputi građanina na gradsku upravu.
3. Ne izmišljaj podatke, rokove, cijene ni kontakte.
4. Kada je moguće, navedi izvor informacije.`)

	if docContext != "" {
		b.WriteString("\n\nSlužbeni dokumenti:\n\n")
		b.WriteString(docContext)
	}

	return b.String()
}
