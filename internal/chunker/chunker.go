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

// Package chunker splits municipal documents into chunks suitable for
// embedding and retrieval, preferring sentence boundaries.
package chunker

import (
	"strings"
)

// Splitter splits text into chunks of at most chunkSize characters,
// attempting to break on sentence boundaries to keep chunks coherent.
func Splitter(text string, chunkSize int) []string {
	if text == "" {
		return []string{}
	}

	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	words := strings.Fields(text)

	var currentChunk strings.Builder
	wordCount := 0

	for _, word := range words {
		if wordCount > 0 && currentChunk.Len()+len(word)+1 > chunkSize {
			chunk := currentChunk.String()
			if lastSentence := findSentenceBreak(chunk); lastSentence != "" {
				chunks = append(chunks, strings.TrimSpace(lastSentence))
				remaining := strings.TrimSpace(chunk[len(lastSentence):])
				currentChunk.Reset()
				if remaining != "" {
					currentChunk.WriteString(remaining)
					currentChunk.WriteString(" ")
				}
				wordCount = len(strings.Fields(remaining))
			} else {
				chunks = append(chunks, strings.TrimSpace(chunk))
				currentChunk.Reset()
				wordCount = 0
			}
		}

		if currentChunk.Len() > 0 {
			currentChunk.WriteString(" ")
		}
		currentChunk.WriteString(word)
		wordCount++
	}

	if currentChunk.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	return chunks
}

// findSentenceBreak finds the last sentence boundary in the text
func findSentenceBreak(text string) string {
	sentenceEnders := []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

	lastIndex := -1
	for _, ender := range sentenceEnders {
		if idx := strings.LastIndex(text, ender); idx > lastIndex {
			lastIndex = idx + len(ender)
		}
	}

	if lastIndex > 0 {
		return text[:lastIndex]
	}

	return ""
}

// ParseMarkdown flattens a markdown document to plain text for embedding
func ParseMarkdown(content string) string {
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}

	lines := strings.Split(content, "\n")
	var cleanLines []string

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "# "):
			cleanLines = append(cleanLines, strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "## "):
			cleanLines = append(cleanLines, strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "### "):
			cleanLines = append(cleanLines, strings.TrimPrefix(line, "### "))
		default:
			cleanLines = append(cleanLines, line)
		}
	}

	return strings.Join(cleanLines, "\n")
}
