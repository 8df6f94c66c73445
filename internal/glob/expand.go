package glob

import "fmt"

// MaxAlternatives caps how many brace-free patterns one pattern may expand to.
const MaxAlternatives = 64

// expand rewrites pattern into its brace-free alternatives, in order. Braces
// nest. "\" escapes the next rune and is kept, so later stages still see a
// literal. Braces and commas inside a character class are literal.
func expand(pattern string) ([]string, error) {
	alts, _, err := expandSeq([]rune(pattern), 0, false)
	return alts, err
}

// expandSeq expands runes from i to the end of input or, inside braces, to
// the next unescaped "," or "}", whose index it returns.
func expandSeq(runes []rune, i int, inTerms bool) ([]string, int, error) {
	alts := []string{""}
	text := func(s string) {
		for k := range alts {
			alts[k] += s
		}
	}
	for i < len(runes) {
		switch r := runes[i]; {
		case r == '\\':
			if i+1 == len(runes) {
				return nil, 0, fmt.Errorf("%w: trailing escape", errBadPattern)
			}
			text(string(runes[i : i+2]))
			i += 2
		case r == '[':
			end := classEnd(runes, i)
			if end < 0 {
				return nil, 0, fmt.Errorf("%w: unclosed character class", errBadPattern)
			}
			text(string(runes[i : end+1]))
			i = end + 1
		case r == '{':
			var options []string
			for {
				sub, next, err := expandSeq(runes, i+1, true)
				if err != nil {
					return nil, 0, err
				}
				options = append(options, sub...)
				i = next
				if runes[i] == '}' {
					break
				}
			}
			i++
			if len(alts)*len(options) > MaxAlternatives {
				return nil, 0, fmt.Errorf("%w: more than %d alternatives", errBadPattern, MaxAlternatives)
			}
			product := make([]string, 0, len(alts)*len(options))
			for _, a := range alts {
				for _, o := range options {
					product = append(product, a+o)
				}
			}
			alts = product
		case inTerms && (r == ',' || r == '}'):
			return alts, i, nil
		default:
			text(string(r))
			i++
		}
	}
	if inTerms {
		return nil, 0, fmt.Errorf("%w: unclosed brace", errBadPattern)
	}
	return alts, i, nil
}

// classEnd returns the index of the "]" closing the class that opens at
// runes[i], or -1.
func classEnd(runes []rune, i int) int {
	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			j++
		case ']':
			return j
		}
	}
	return -1
}
