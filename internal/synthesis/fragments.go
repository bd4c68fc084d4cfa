package synthesis

// SplitFragments cuts text into sentence-sized stream fragments. Each cut
// happens after terminal punctuation plus its trailing whitespace, so the
// concatenation of the fragments is byte-identical to the input.
func SplitFragments(text string) []string {
	if text == "" {
		return nil
	}
	var frags []string
	start := 0
	i := 0
	for i < len(text) {
		if !isTerminal(text[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(text) && isTerminal(text[j]) {
			j++
		}
		if j >= len(text) || !isSpace(text[j]) {
			// Mid-token punctuation such as "v1.2" or a trailing "?!".
			i = j
			continue
		}
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		frags = append(frags, text[start:j])
		start = j
		i = j
	}
	if start < len(text) {
		frags = append(frags, text[start:])
	}
	return frags
}

func isTerminal(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
