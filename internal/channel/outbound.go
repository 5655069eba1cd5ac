package channel

import (
	"strings"
)

// DefaultTextChunkLimit is the WhatsApp text body limit in runes.
const DefaultTextChunkLimit = 4096

// PartKind distinguishes outbound parts.
type PartKind string

const (
	PartMedia PartKind = "media"
	PartText  PartKind = "text"
)

// Part is one gateway message of an outbound reply.
type Part struct {
	Kind     PartKind
	Text     string
	MediaURL string
}

// BuildParts orders media first, then the text split into chunks of at most limit runes.
func BuildParts(text, mediaURL string, limit int) []Part {
	if limit <= 0 {
		limit = DefaultTextChunkLimit
	}
	parts := make([]Part, 0, 2)
	if url := strings.TrimSpace(mediaURL); url != "" {
		parts = append(parts, Part{Kind: PartMedia, MediaURL: url})
	}
	for _, chunk := range ChunkText(text, limit) {
		parts = append(parts, Part{Kind: PartText, Text: chunk})
	}
	return parts
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
	}
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		flush()
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

// splitLongLine prefers breaking on the last space inside the window.
func splitLongLine(line string, limit int) []string {
	runes := []rune(line)
	chunks := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > limit/2 {
			end = start + cut
		}
		if segment := strings.TrimSpace(string(runes[start:end])); segment != "" {
			chunks = append(chunks, segment)
		}
		start = end
	}
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
