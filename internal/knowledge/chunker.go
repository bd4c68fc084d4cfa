package knowledge

import (
	"strings"
)

// chunkText splits a record's content into word-bounded spans. Paragraphs
// are the preferred boundary, then sentences; a span never exceeds maxWords
// and trailing fragments below minWords are folded into the previous span.
func chunkText(text string, minWords, maxWords int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if minWords <= 0 {
		minWords = 50
	}
	if maxWords <= minWords {
		maxWords = minWords * 4
	}

	var chunks []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		for _, sentence := range splitSentences(para) {
			words := strings.Fields(sentence)
			if len(words) == 0 {
				continue
			}

			// A single sentence longer than the cap gets hard-split.
			for len(words) > maxWords {
				flush()
				chunks = append(chunks, strings.Join(words[:maxWords], " "))
				words = words[maxWords:]
			}

			if len(current)+len(words) > maxWords {
				flush()
			}
			current = append(current, words...)
		}
		// Paragraph boundary closes a chunk once it has enough substance.
		if len(current) >= minWords {
			flush()
		}
	}
	flush()

	// Fold a small trailing chunk into its predecessor.
	if n := len(chunks); n > 1 {
		last := strings.Fields(chunks[n-1])
		prev := strings.Fields(chunks[n-2])
		if len(last) < minWords && len(prev)+len(last) <= maxWords {
			chunks[n-2] = chunks[n-2] + " " + chunks[n-1]
			chunks = chunks[:n-1]
		}
	}
	return chunks
}

// splitSentences breaks a paragraph at sentence-ending punctuation followed
// by whitespace. Abbreviation handling is deliberately not attempted; an
// occasional early split only moves a boundary, never loses text.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				if s := strings.TrimSpace(b.String()); s != "" {
					sentences = append(sentences, s)
				}
				b.Reset()
			}
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
