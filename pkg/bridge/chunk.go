package bridge

import "strings"

// continuationMarker is appended to every non-final chunk so the reader
// knows more text is coming.
const continuationMarker = "…"

// SplitMessage splits text into chunks of at most limit runes. Each cut
// prefers, in order, a paragraph break, a line break, then a sentence
// boundary — but only when the break sits in the second half of the
// window, so a stray early newline doesn't produce a tiny chunk. With no
// usable break the text is cut hard at the limit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := findBreak(runes, limit)
		chunk := strings.TrimRight(string(runes[:cut]), "\n ")
		chunks = append(chunks, chunk+continuationMarker)
		runes = []rune(strings.TrimLeft(string(runes[cut:]), "\n "))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func findBreak(runes []rune, limit int) int {
	window := string(runes[:limit])
	half := limit / 2

	for _, sep := range []string{"\n\n", "\n", ". "} {
		if idx := strings.LastIndex(window, sep); idx > half {
			// keep the period on the sentence, drop the separator newlines
			if sep == ". " {
				return len([]rune(window[:idx+1]))
			}
			return len([]rune(window[:idx]))
		}
	}
	return limit
}
