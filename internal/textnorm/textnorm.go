// Package textnorm folds French and English text for keyword comparisons:
// lowercase, accents stripped, light suffix stemming.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and removes diacritics ("Sécurité" -> "securite").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

var stopwords = map[string]bool{
	"le": true, "la": true, "les": true, "de": true, "des": true, "du": true, "un": true, "une": true,
	"et": true, "ou": true, "en": true, "au": true, "aux": true, "pour": true, "par": true, "sur": true,
	"dans": true, "avec": true, "que": true, "qui": true, "est": true, "sont": true, "ce": true, "ces": true,
	"the": true, "and": true, "or": true, "of": true, "to": true, "for": true, "in": true, "on": true,
	"with": true, "a": true, "an": true, "is": true, "are": true,
}

// Tokens splits folded text into words, dropping stopwords and single letters.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var suffixes = []string{"ements", "ement", "ations", "ation", "ments", "ment", "ites", "ite", "ives", "ive", "eurs", "eur", "ees", "ee", "es", "s", "e"}

// Stem strips one common inflectional suffix, keeping at least four letters.
func Stem(word string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(word, suf) && len(word)-len(suf) >= 4 {
			return word[:len(word)-len(suf)]
		}
	}
	return word
}

// Stems folds, tokenizes and stems s.
func Stems(s string) []string {
	toks := Tokens(s)
	for i, t := range toks {
		toks[i] = Stem(t)
	}
	return toks
}

// Contains reports whether keyword occurs in text, ignoring case and accents
// and tolerating inflection. Multi-word keywords need every word present.
func Contains(text, keyword string) bool {
	want := Stems(keyword)
	if len(want) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, s := range Stems(text) {
		have[s] = true
	}
	for _, w := range want {
		if have[w] {
			continue
		}
		found := false
		for h := range have {
			if strings.HasPrefix(h, w) || (strings.HasPrefix(w, h) && len(h) >= 4) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
