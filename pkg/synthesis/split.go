package synthesis

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText breaks text into chunks of at most limit characters. Text that
// already fits is returned as is. Otherwise paragraphs
// (separated by a blank line) are packed greedily; a paragraph longer than
// limit is cut at the last whitespace before the limit, or hard-cut when it
// has none. Chunks are trimmed and never empty.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxChars
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		chunks  []string
		current string
	)
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		switch {
		case n > limit:
			flush()
			chunks = append(chunks, splitLong(para, limit)...)
		case current == "":
			current = para
		case utf8.RuneCountInString(current)+2+n <= limit:
			current += "\n\n" + para
		default:
			flush()
			current = para
		}
	}
	flush()
	return chunks
}

func splitLong(para string, limit int) []string {
	var out []string
	r := []rune(para)
	for len(r) > limit {
		cut := -1
		for i := limit; i > 0; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		var piece []rune
		if cut > 0 {
			piece, r = r[:cut], r[cut+1:]
		} else {
			piece, r = r[:limit], r[limit:]
		}
		if s := strings.TrimSpace(string(piece)); s != "" {
			out = append(out, s)
		}
		r = []rune(strings.TrimLeftFunc(string(r), unicode.IsSpace))
	}
	if s := strings.TrimSpace(string(r)); s != "" {
		out = append(out, s)
	}
	return out
}
