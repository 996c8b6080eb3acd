package impl

import (
	"regexp"
	"sort"
	"strings"
)

// Common Turkish connectors / stop lemmas that should not drive lemma recall.
var stopLemmasASCII = map[string]bool{
	"ve": true, "veya": true, "ile": true, "ama": true, "fakat": true,
	"ancak": true, "lakin": true, "ki": true, "de": true, "da": true,
	"gibi": true, "icin": true, "gore": true, "kadar": true, "hem": true,
	"ya": true, "yada": true, "yahut": true, "mi": true, "mu": true,
}

// Turkish stop words filtered out of keyword extraction.
var turkishStopWords = map[string]bool{
	"ve": true, "veya": true, "ile": true, "ama": true, "fakat": true,
	"ancak": true, "lakin": true, "ki": true, "de": true, "da": true,
	"mi": true, "mu": true, "bir": true, "bu": true, "su": true, "o": true,
	"ben": true, "sen": true, "biz": true, "siz": true, "onlar": true,
	"gibi": true, "icin": true, "diye": true, "en": true, "daha": true,
	"cok": true, "her": true, "hangi": true, "ne": true, "kim": true,
	"bunu": true, "sunu": true, "boyle": true, "soyle": true, "nasil": true,
	"neden": true, "nicin": true, "niye": true, "kadar": true,
	"arasinda": true, "uzerinde": true, "altinda": true, "icinde": true,
	"disinda": true, "once": true, "sonra": true, "sey": true, "seyi": true,
	"seyin": true, "olan": true, "olarak": true, "oldugu": true,
	"oldugunu": true, "degil": true, "var": true, "yok": true, "ise": true,
	"eger": true, "bile": true, "sadece": true, "yalnizca": true,
	"hep": true, "hic": true, "artik": true, "henuz": true, "zaten": true,
}

var turkishDeaccent = strings.NewReplacer(
	"ç", "c", "Ç", "c",
	"ğ", "g", "Ğ", "g",
	"ı", "i", "İ", "i",
	"ö", "o", "Ö", "o",
	"ş", "s", "Ş", "s",
	"ü", "u", "Ü", "u",
)

// Common OCR / encoding corruptions repaired before matching.
var mojibakeRepairs = [][2]string{
	{"Ã§", "ç"}, {"ÄŸ", "ğ"}, {"Ä±", "ı"}, {"Ã¶", "ö"}, {"ÅŸ", "ş"}, {"Ã¼", "ü"},
	{"Ã‡", "Ç"}, {"Ä°", "İ"}, {"Ã–", "Ö"}, {"Åž", "Ş"}, {"Ãœ", "Ü"},
	{"a1", "aı"}, {"s1", "sı"},
	{"c;:", "ç"}, {"~", ""},
}

// Turkish suffixes for the lightweight stemmer, stripped longest-first.
var turkishSuffixes = []string{
	"lari", "leri", "dir", "dur", "dur", "tir", "tur",
	"nin", "nun", "nin", "dan", "den", "tan", "ten",
	"lar", "ler", "siz", "suz", "lik", "lik",
	"in", "un", "yi", "yu", "ya", "ye", "da", "de", "ta", "te",
	"li", "lu", "si", "su",
	"i", "u", "a", "e",
}

var (
	nonWordRun     = regexp.MustCompile(`[\W_]+`)
	nonAlnumRun    = regexp.MustCompile(`[^a-z0-9]+`)
	spaceRun       = regexp.MustCompile(`\s+`)
	wordTokenRe    = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// DeaccentText lowercases and strips Turkish diacritics.
func DeaccentText(text string) string {
	return turkishDeaccent.Replace(strings.ToLower(text))
}

// RepairCommonMojibake normalises frequent OCR / encoding corruptions.
func RepairCommonMojibake(text string) string {
	out := text
	for _, pair := range mojibakeRepairs {
		out = strings.ReplaceAll(out, pair[0], pair[1])
	}
	return out
}

// NormalizeMatchText produces the canonical haystack for boundary matching:
// mojibake repair, lowercase and de-accent, token-boundary preservation,
// whitespace collapse.
func NormalizeMatchText(text string) string {
	pre := DeaccentText(RepairCommonMojibake(text))
	pre = nonWordRun.ReplaceAllString(pre, " ")
	norm := nonAlnumRun.ReplaceAllString(pre, " ")
	norm = spaceRun.ReplaceAllString(norm, " ")
	return strings.TrimSpace(norm)
}

// ContainsExactTermBoundary reports whether haystack contains the query on a
// word boundary: query "niyet" must not match inside "medeniyet".
func ContainsExactTermBoundary(haystack, query string) bool {
	h := NormalizeMatchText(haystack)
	needle := NormalizeMatchText(query)
	if h == "" || needle == "" {
		return false
	}
	padded := " " + h + " "
	return strings.Contains(padded, " "+needle+" ")
}

// ContainsLemmaStemBoundary matches tokens that start with the lemma stem
// (niyet -> niyet, niyetli, niyetler) without admitting inner-word matches.
func ContainsLemmaStemBoundary(haystack, lemma string) bool {
	return CountLemmaStemHits(haystack, []string{lemma}) > 0
}

// CountLemmaStemHits counts stem-boundary occurrences of any lemma.
func CountLemmaStemHits(haystack string, lemmas []string) int {
	h := NormalizeMatchText(haystack)
	if h == "" {
		return 0
	}
	tokens := strings.Fields(h)
	total := 0
	for _, lemma := range lemmas {
		stem := NormalizeMatchText(lemma)
		if len(stem) < 3 {
			continue
		}
		for _, tok := range tokens {
			if strings.HasPrefix(tok, stem) {
				total++
			}
		}
	}
	return total
}

// ContainsInnerSubstringOnly reports whether query appears in haystack only as
// an inner substring, never on a stem boundary.
func ContainsInnerSubstringOnly(haystack, query string) bool {
	h := NormalizeMatchText(haystack)
	needle := NormalizeMatchText(query)
	if h == "" || needle == "" {
		return false
	}
	if !strings.Contains(h, needle) {
		return false
	}
	return !ContainsLemmaStemBoundary(haystack, query)
}

// TurkishStem strips the longest matching suffix from an agglutinative form
// (vicdandir -> vicdan). Words shorter than 4 runes pass through.
func TurkishStem(word string) string {
	w := DeaccentText(word)
	if len([]rune(w)) < 4 {
		return w
	}
	suffixes := append([]string(nil), turkishSuffixes...)
	sort.Slice(suffixes, func(i, j int) bool { return len(suffixes[i]) > len(suffixes[j]) })
	for _, suffix := range suffixes {
		if strings.HasSuffix(w, suffix) && len(w) > len(suffix)+2 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

// GetLemmas derives query lemmas: tokenize, de-accent, stem.
func GetLemmas(text string) []string {
	tokens := Tokenize(text)
	out := make([]string, 0, len(tokens))
	seen := make(map[string]bool)
	for _, tok := range tokens {
		stem := TurkishStem(tok)
		if stem == "" || seen[stem] {
			continue
		}
		seen[stem] = true
		out = append(out, stem)
	}
	return out
}

// FilterQueryLemmas drops stop lemmas and lemmas shorter than 2 chars.
func FilterQueryLemmas(lemmas []string) []string {
	out := make([]string, 0, len(lemmas))
	for _, lemma := range lemmas {
		norm := DeaccentText(strings.TrimSpace(lemma))
		if len(norm) < 2 {
			continue
		}
		if stopLemmasASCII[norm] {
			continue
		}
		out = append(out, lemma)
	}
	return out
}

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return wordTokenRe.FindAllString(strings.ToLower(text), -1)
}

// TokenCount counts whitespace-separated tokens.
func TokenCount(query string) int {
	return len(strings.Fields(strings.TrimSpace(query)))
}

// ExtractCoreConcepts pulls the core keywords out of a question: remove stop
// words, keep tokens of 3+ chars, fall back to the longest token.
func ExtractCoreConcepts(question string) []string {
	tokens := Tokenize(question)
	keywords := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		norm := DeaccentText(tok)
		if turkishStopWords[norm] || len([]rune(tok)) <= 2 {
			continue
		}
		keywords = append(keywords, tok)
	}
	if len(keywords) == 0 && len(tokens) > 0 {
		longest := tokens[0]
		for _, tok := range tokens[1:] {
			if len(tok) > len(longest) {
				longest = tok
			}
		}
		return []string{longest}
	}
	return keywords
}

// ContainsKeyword checks substring presence after normalisation, so "vicdan"
// matches "vicdandır" and "vicdanlı".
func ContainsKeyword(text, keyword string) bool {
	normText := NormalizeMatchText(text)
	normKeyword := NormalizeMatchText(keyword)
	if normText == "" || normKeyword == "" {
		return false
	}
	return strings.Contains(normText, normKeyword)
}

// EscapeLikeLiteral escapes SQL LIKE wildcards so user text matches literally.
func EscapeLikeLiteral(value string) string {
	out := strings.ReplaceAll(value, `\`, `\\`)
	out = strings.ReplaceAll(out, "%", `\%`)
	out = strings.ReplaceAll(out, "_", `\_`)
	return out
}

// ContainsLikePattern wraps a literal in %...% for substring LIKE queries.
func ContainsLikePattern(value string) string {
	return "%" + EscapeLikeLiteral(value) + "%"
}

// FullTextTokens builds the conservative token list for the exact strategy's
// primary full-text pass: normalized tokens of 2+ chars, capped at 8.
func FullTextTokens(rawQuery string) []string {
	normalized := NormalizeMatchText(rawQuery)
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) >= 2 {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) > 8 {
		tokens = tokens[:8]
	}
	return tokens
}
