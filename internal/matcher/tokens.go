package matcher

import (
	"strings"
	"unicode"
)

// tokenize 把文本切分为小写词元并做轻量的复数折叠。
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, fold(f))
	}
	return out
}

func fold(token string) string {
	switch {
	case len(token) > 4 && strings.HasSuffix(token, "ies"):
		return token[:len(token)-3] + "y"
	case len(token) > 3 && strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss"):
		return token[:len(token)-1]
	default:
		return token
	}
}

// matchKeywords 返回命中的关键词。多词关键词需要在文本中连续出现。
func matchKeywords(tokens []string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		kwTokens := tokenize(kw)
		if len(kwTokens) == 0 {
			continue
		}
		if containsSequence(tokens, kwTokens) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		ok := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// overlap 计算命中关键词占模板关键词的比例。
func overlap(tokens []string, keywords []string) (float64, []string) {
	if len(keywords) == 0 {
		return 0, nil
	}
	hits := matchKeywords(tokens, keywords)
	return float64(len(hits)) / float64(len(keywords)), hits
}
