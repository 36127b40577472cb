package agent

import "unicode/utf8"

// selectAnswer picks the longest candidate by character count; the
// later candidate wins a tie. ok is false when every candidate is empty.
func selectAnswer(candidates []string) (answer string, ok bool) {
	best := -1
	for _, c := range candidates {
		if n := utf8.RuneCountInString(c); n > 0 && n >= best {
			answer, best = c, n
		}
	}
	return answer, best > 0
}
