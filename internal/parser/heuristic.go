package parser

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// heuristicConfidence is the fixed confidence of the fallback variant.
const heuristicConfidence = 0.3

// maxSubjectLookups bounds knowledge-base probes per guess.
const maxSubjectLookups = 8

var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "howdy": true, "greetings": true,
	"thanks": true, "bye": true,
}

var greetingPhrases = []string{
	"good morning", "good afternoon", "good evening",
	"how are you", "how's it going",
}

// stopwords never become subject candidates. Instruction verbs are included
// so "explain recursion" guesses "recursion", not "explain". Short domain
// tokens like "ai" or "cv" stay in, so the length filter alone cannot do
// this job.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"yours": true, "about": true, "with": true, "what": true, "when": true,
	"where": true, "who": true, "why": true, "how": true, "does": true,
	"can": true, "could": true, "would": true, "should": true, "are": true,
	"was": true, "were": true, "have": true, "has": true, "had": true,
	"this": true, "that": true, "these": true, "those": true, "from": true,
	"into": true, "please": true, "some": true, "any": true, "all": true,
	"tell": true, "show": true, "give": true, "explain": true,
	"describe": true, "list": true, "write": true, "make": true,
	"help": true, "know": true, "want": true, "need": true, "like": true,
	"think": true, "talk": true, "more": true,
	"me": true, "my": true, "on": true, "in": true, "at": true, "of": true,
	"to": true, "do": true, "is": true, "it": true, "an": true, "as": true,
	"by": true, "or": true, "so": true, "we": true, "he": true, "am": true,
	"be": true, "if": true, "no": true, "ok": true, "oh": true, "us": true,
	"up": true, "she": true, "say": true,
}

// heuristicParse is the deterministic fallback classifier. It depends only
// on the text and the immutable knowledge base, so identical input always
// produces identical output.
func (p *Parser) heuristicParse(ctx context.Context, text string) (ReqPrompt, string) {
	lower := strings.ToLower(strings.TrimSpace(text))
	tokens := contentWords(lower)

	prompt := ReqPrompt{
		Format:      FormatMarkdown,
		Tone:        ToneConversational,
		Style:       StyleFirstPerson,
		LengthClass: LengthStandard,
		Confidence:  heuristicConfidence,
		Source:      SourceHeuristic,
	}

	if isGreeting(lower) {
		prompt.Format = FormatPlain
		prompt.LengthClass = LengthBrief
		return prompt, "Respond warmly and briefly."
	}

	// Keyword checks run on the unfiltered words; the stopword filter is
	// for subject guessing only and would eat "why".
	rawSet := make(map[string]bool)
	for _, w := range splitWords(lower) {
		rawSet[w] = true
	}

	statement := ""
	if rawSet["resume"] || rawSet["cv"] {
		prompt.Format = FormatStructured
		prompt.LengthClass = LengthDetailed
		statement = "Present the relevant background in a structured, resume-like form."
	}

	if strings.Contains(lower, "explain") || strings.Contains(lower, "how does") ||
		strings.Contains(lower, "what is") || rawSet["why"] {
		prompt.IsDeepDive = true
		prompt.LengthClass = LengthDetailed
	}
	if strings.Contains(lower, "example") || strings.Contains(lower, "for instance") ||
		strings.Contains(lower, "such as") || strings.Contains(lower, "show me") {
		prompt.RequiresExamples = true
	}

	prompt.Subject = p.guessSubject(ctx, tokens)

	if statement == "" && prompt.IsDeepDive && prompt.Subject != "" {
		statement = fmt.Sprintf("Explain %s thoroughly and accurately.", prompt.Subject)
	}
	return prompt, statement
}

func isGreeting(lower string) bool {
	for _, phrase := range greetingPhrases {
		if strings.HasPrefix(lower, phrase) {
			return true
		}
	}
	words := strings.Fields(lower)
	return len(words) > 0 && len(words) <= 4 && greetingWords[strings.TrimRight(words[0], "!,.")]
}

// guessSubject grounds the subject in the knowledge base when it can,
// otherwise falls back to the longest content word. Two-word candidates go
// first so "ai journey" wins over "ai".
func (p *Parser) guessSubject(ctx context.Context, tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}

	candidates := make([]string, 0, len(tokens)*2)
	for i := 0; i+1 < len(tokens); i++ {
		candidates = append(candidates, tokens[i]+" "+tokens[i+1])
	}
	candidates = append(candidates, tokens...)

	for i, cand := range candidates {
		if i >= maxSubjectLookups {
			break
		}
		if keys := p.subjects.ResolveSubject(ctx, cand); len(keys) > 0 {
			return keys[0]
		}
	}

	longest := tokens[0]
	for _, tok := range tokens[1:] {
		if len(tok) > len(longest) {
			longest = tok
		}
	}
	return longest
}

func splitWords(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// contentWords splits lower into subject-worthy tokens.
func contentWords(lower string) []string {
	raw := splitWords(lower)
	out := raw[:0]
	for _, w := range raw {
		if len(w) >= 2 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}
