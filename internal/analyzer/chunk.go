package analyzer

import (
	"fmt"
	"strings"
)

// Chunk is one window of a large file, split on line boundaries.
type Chunk struct {
	Index     int
	Total     int
	StartLine int // 1-based line of the chunk's first line in the file
	Content   string
}

// SplitIntoChunks windows content into pieces of at most chunkSize bytes,
// never breaking a line, with overlapLines of context carried from the end of
// one chunk into the start of the next. A single line longer than chunkSize
// becomes its own chunk.
func SplitIntoChunks(content string, chunkSize, overlapLines int) []Chunk {
	if len(content) <= chunkSize {
		return []Chunk{{Index: 0, Total: 1, StartLine: 1, Content: content}}
	}
	lines := strings.SplitAfter(content, "\n")

	var chunks []Chunk
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			if size > 0 && size+len(lines[end]) > chunkSize {
				break
			}
			size += len(lines[end])
			end++
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			StartLine: start + 1,
			Content:   strings.Join(lines[start:end], ""),
		})
		if end >= len(lines) {
			break
		}
		next := end - overlapLines
		if next <= start {
			next = start + 1
		}
		start = next
	}
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}

// Note renders the chunk banner embedded into the analysis prompt so the
// model knows it is seeing a window, not the whole file.
func (c Chunk) Note() string {
	if c.Total <= 1 {
		return ""
	}
	return fmt.Sprintf("This is chunk %d of %d, starting at line %d. Entities may continue beyond the window; report what is visible.",
		c.Index+1, c.Total, c.StartLine)
}
