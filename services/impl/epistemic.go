package impl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// Epistemic control layer: grades evidence into confidence tiers so the answer
// engine can recognise when retrieved text already answers the question.

// Definitional patterns matched against the keyword in de-accented text.
// Turkish agglutinative structures first, then the English forms.
var definitionalPatternsTR = []string{
	`\b%s\s+(nedir|ne demek|ne anlama gelir)`,
	`\b%s,?\s+.{5,50}(demektir|anlamina gelir|ifade eder)`,
	`\b%s'?(in|un)\s+tanimi`,
	`\b%s'?(in|un)\s+anlami`,
	`\b%s\s+(dir|dur|tir|tur)[.,\s]`,
	`\b%s\s+olarak\s+(tanimlan|degerlendiril|kabul edil)`,
	`\b%s\s+(sudur|budur|odur)`,
	`o\s+da\s+%s`,
	`%s\s+ise\s+`,
	`adi\s+%s`,
}

var definitionalPatternsEN = []string{
	`\b%s\s+is\s+(defined|characterized|understood)\s+as`,
	`\b%s\s+means\s+`,
	`\b%s\s+refers\s+to`,
	`the\s+definition\s+of\s+%s`,
	`\b%s\s+is\s+a\s+\w+\s+(that|which)`,
}

var theoryPatternsTR = []*regexp.Regexp{
	regexp.MustCompile(`iki\s+teori`),
	regexp.MustCompile(`iki\s+gorus`),
	regexp.MustCompile(`birincisi.*ikincisi`),
	regexp.MustCompile(`bir\s+yandan.*diger\s+yandan`),
	regexp.MustCompile(`yaklasim\s+var`),
	regexp.MustCompile(`teori\s+var`),
}

var evaluativePatternsTR = []*regexp.Regexp{
	regexp.MustCompile(`(degismez|sabit|kalici|gecici|degisken)`),
	regexp.MustCompile(`(olumlu|olumsuz|iyi|kotu|dogru|yanlis)`),
	regexp.MustCompile(`(onemli|gerekli|zorunlu|sart)`),
	regexp.MustCompile(`(temel|esas|asil|birincil)`),
	regexp.MustCompile(`(kesinlikle|mutlaka|asla|hicbir zaman)`),
}

var modalityPatternsTR = []*regexp.Regexp{
	regexp.MustCompile(`\b(bence|kanaatimce|dusunuyorum|sanirim|galiba)\b`),
	regexp.MustCompile(`\b(bana gore|kendi gorusum|sahsi fikrim)\b`),
	regexp.MustCompile(`\b(inaniyorum|goruyorum ki|anladigim kadariyla)\b`),
	regexp.MustCompile(`(^|\s)(benim|ben)\s+`),
}

var complexQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`degisen.*midir`), regexp.MustCompile(`degisir.*mi`), regexp.MustCompile(`sabit.*mi`),
	regexp.MustCompile(`mumkun.*mu`), regexp.MustCompile(`olabilir.*mi`),
	regexp.MustCompile(`nasil.*aciklanir`), regexp.MustCompile(`nasil.*anlasilir`),
	regexp.MustCompile(`iliskisi.*nedir`), regexp.MustCompile(`baglantisi.*ne`),
	regexp.MustCompile(`felsef`), regexp.MustCompile(`ahlak`), regexp.MustCompile(`etik`), regexp.MustCompile(`vicdan`),
	regexp.MustCompile(`iki.*gorus`), regexp.MustCompile(`farkli.*yaklasim`),
}

var directQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`nedir\??$`), regexp.MustCompile(`kimdir\??$`), regexp.MustCompile(`ne demek`),
	regexp.MustCompile(`anlami ne`), regexp.MustCompile(`kac tane`), regexp.MustCompile(`hangi`),
	regexp.MustCompile(`nerede`), regexp.MustCompile(`ne zaman`), regexp.MustCompile(`tarih`),
	regexp.MustCompile(`midir\??$`), regexp.MustCompile(`midir\b`),
	regexp.MustCompile(`mi\??$`), regexp.MustCompile(`mu\??$`),
	regexp.MustCompile(`misin`), regexp.MustCompile(`musun`),
}

var compareQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`farki`), regexp.MustCompile(`benzerligi`), regexp.MustCompile(`iliskisi`),
	regexp.MustCompile(`arasindaki`), regexp.MustCompile(`farklar`), regexp.MustCompile(`ortak yon`),
	regexp.MustCompile(`karsilastir`),
}

// ClassifyQuestionIntent classifies a question as DIRECT, COMPARATIVE or
// SYNTHESIS and detects complexity for the HYBRID gate.
func ClassifyQuestionIntent(question string) (models.Intent, models.Complexity) {
	norm := NormalizeMatchText(question)

	complexity := models.ComplexityLow
	for _, p := range complexQuestionPatterns {
		if p.MatchString(norm) {
			complexity = models.ComplexityHigh
			break
		}
	}

	for _, p := range directQuestionPatterns {
		if p.MatchString(norm) {
			return models.IntentDirect, complexity
		}
	}
	for _, p := range compareQuestionPatterns {
		if p.MatchString(norm) {
			return models.IntentComparative, complexity
		}
	}
	return models.IntentSynthesis, complexity
}

// IsDefinitional reports whether the text provides a definitional or
// evaluative statement about the keyword.
func IsDefinitional(text, keyword string) bool {
	normText := NormalizeMatchText(text)
	normKeyword := NormalizeMatchText(keyword)
	if normText == "" || normKeyword == "" {
		return false
	}
	escaped := regexp.QuoteMeta(normKeyword)

	for _, tmpl := range definitionalPatternsTR {
		pattern := strings.ReplaceAll(tmpl, "%s", escaped)
		if matched, _ := regexp.MatchString(pattern, normText); matched {
			return true
		}
	}
	for _, tmpl := range definitionalPatternsEN {
		pattern := strings.ReplaceAll(tmpl, "%s", escaped)
		if matched, _ := regexp.MatchString(pattern, normText); matched {
			return true
		}
	}

	// Keyword near an evaluative word within a 50-char window.
	if pos := strings.Index(normText, normKeyword); pos >= 0 {
		start := pos - 50
		if start < 0 {
			start = 0
		}
		end := pos + len(normKeyword) + 50
		if end > len(normText) {
			end = len(normText)
		}
		window := normText[start:end]
		for _, p := range evaluativePatternsTR {
			if p.MatchString(window) {
				return true
			}
		}
	}

	// Sentence starting with the keyword and carrying substantial content.
	for _, sentence := range regexp.MustCompile(`[.!?]\s+`).Split(text, -1) {
		normSentence := NormalizeMatchText(sentence)
		if (strings.HasPrefix(normSentence, normKeyword+",") || strings.HasPrefix(normSentence, normKeyword+" ")) &&
			len(sentence) > len(keyword)+10 {
			return true
		}
	}
	return false
}

// CalculateAnswerabilityScore computes the 0-7 feature sum for a hit.
func CalculateAnswerabilityScore(hit *models.ChunkHit, keywords []string) (float64, []string) {
	var score float64
	var features []string

	fullText := hit.Text
	if hit.Comment != "" {
		fullText += " " + hit.Comment
	}
	normFull := NormalizeMatchText(fullText)

	hasKeyword := false
	for _, kw := range keywords {
		if ContainsKeyword(fullText, kw) {
			hasKeyword = true
			break
		}
	}
	if hasKeyword {
		score++
		features = append(features, models.FeatureKeywordMatch)

		// Definitional only counts when the keyword is present.
		for _, kw := range keywords {
			if IsDefinitional(fullText, kw) {
				score += 3
				features = append(features, models.FeatureDefinitional)
				break
			}
		}

		for _, p := range theoryPatternsTR {
			if p.MatchString(normFull) {
				score++
				features = append(features, models.FeatureTheory)
				break
			}
		}
	}

	for _, p := range modalityPatternsTR {
		if p.MatchString(normFull) {
			score++
			features = append(features, models.FeatureModality)
			break
		}
	}

	if len(hit.Comment) > 5 {
		score++
		features = append(features, models.FeaturePersonalComment)
	}

	for _, p := range evaluativePatternsTR {
		if p.MatchString(normFull) {
			score++
			features = append(features, models.FeatureEvaluative)
			break
		}
	}

	return score, features
}

// ClassifyChunk grades one hit into level A, B or C and attaches the
// annotation used downstream.
func ClassifyChunk(keywords []string, hit *models.ChunkHit, classifier services.PassageClassifier) string {
	score, features := CalculateAnswerabilityScore(hit, keywords)

	passageType, quotability := "SITUATIONAL", "MEDIUM"
	if classifier != nil {
		passageType, quotability = classifier.ClassifyPassage(hit.Text)
	}

	ann := hit.Ann()
	ann.AnswerabilityScore = score
	ann.Features = features
	ann.PassageType = passageType
	ann.Quotability = quotability

	isPriority := score >= 3 ||
		ann.HasFeature(models.FeatureDefinitional) ||
		ann.HasFeature(models.FeatureTheory) ||
		passageType == "DEFINITION" || passageType == "THEORY" ||
		quotability == "HIGH"

	level := "C"
	if isPriority {
		level = "A"
	} else if score >= 1 {
		level = "B"
	}
	ann.Level = level
	return level
}

// DetermineAnswerMode picks QUOTE, SYNTHESIS or HYBRID from the classified
// evidence, the question intent and the complexity.
func DetermineAnswerMode(hits []*models.ChunkHit, intent models.Intent, complexity models.Complexity) models.AnswerMode {
	hasDefinitional := false
	hasTheory := false
	highConfidenceCount := 0
	evidenceCount := 0
	hasHighScoreEvidence := false

	for _, h := range hits {
		ann := h.Ann()
		if ann.HasFeature(models.FeatureDefinitional) {
			hasDefinitional = true
		}
		if ann.HasFeature(models.FeatureTheory) {
			hasTheory = true
		}
		if ann.AnswerabilityScore >= 2 {
			highConfidenceCount++
		}
		if ann.AnswerabilityScore >= 1 {
			evidenceCount++
		}
		if ann.AnswerabilityScore >= 3 {
			hasHighScoreEvidence = true
		}
	}

	// Complex philosophical questions that are DIRECT in form need both quote
	// and synthesis.
	if intent == models.IntentDirect && complexity == models.ComplexityHigh &&
		(hasDefinitional || hasTheory || evidenceCount >= 2) {
		return models.AnswerModeHybrid
	}
	if intent == models.IntentDirect && (hasDefinitional || hasTheory || hasHighScoreEvidence) {
		return models.AnswerModeQuote
	}
	if (intent == models.IntentDirect || intent == models.IntentComparative) && highConfidenceCount >= 1 {
		return models.AnswerModeQuote
	}
	if evidenceCount >= 3 {
		return models.AnswerModeQuote
	}
	return models.AnswerModeSynthesis
}

// BuildEpistemicContext renders the ordered evidence list with per-block
// metadata headers and quotability markers. Returns the context string plus
// the chunks actually used, in order.
func BuildEpistemicContext(hits []*models.ChunkHit, answerMode models.AnswerMode) (string, []*models.ChunkHit) {
	sorted := make([]*models.ChunkHit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ann().AnswerabilityScore > sorted[j].Ann().AnswerabilityScore
	})

	// Top 12 only: more overwhelms the LLM into list mania.
	if len(sorted) > 12 {
		sorted = sorted[:12]
	}

	var parts []string
	for i, hit := range sorted {
		ann := hit.Ann()
		level := ann.Level
		if level == "" {
			level = "C"
		}
		exactMatch := ann.HasFeature(models.FeatureKeywordMatch)

		title := hit.Title
		if title == "" {
			title = "Unknown"
		}
		text := hit.Text
		if len(text) > 500 {
			text = text[:500]
		}

		metaHeader := fmt.Sprintf("[ID: %d | Score: %.0f/7 | Level: %s | Type: %s | Quotability: %s | ExactMatch: %t]",
			i+1, ann.AnswerabilityScore, level, ann.PassageType, ann.Quotability, exactMatch)

		var marker string
		switch {
		case ann.Quotability == "HIGH" || level == "A":
			marker = "★★★ DOĞRUDAN ALINTI YAP (Quote Verbatim)"
		case level == "B":
			marker = "★★ BAĞLAMDA KULLAN (Use in Context)"
		default:
			marker = "★ SENTEZ YAP (Synthesize Only)"
		}

		block := metaHeader + "\n" + marker + " Kaynak: " + title + "\n"
		if text != "" {
			block += "- ALINTI: " + text + "\n"
		}
		if hit.Comment != "" {
			block += "- KİŞİSEL NOT: " + hit.Comment + "\n"
		}
		if hit.Summary != "" {
			block += "- ÖZET: " + hit.Summary + "\n"
		}
		block += "---\n"
		parts = append(parts, block)
	}

	return strings.Join(parts, "\n"), sorted
}

// ClassifyNetworkStatus decides how well the user's own corpus covers the
// question: quote-only, external augmentation, or out-of-network.
func ClassifyNetworkStatus(question string, hits []*models.ChunkHit) (models.NetworkStatus, string) {
	if len(hits) == 0 {
		return models.NetworkOutOfNetwork, "no_evidence"
	}
	levelA, levelB := 0, 0
	for _, h := range hits {
		switch h.Ann().Level {
		case "A":
			levelA++
		case "B":
			levelB++
		}
	}
	switch {
	case levelA >= 2:
		return models.NetworkInNetwork, fmt.Sprintf("level_a_count=%d", levelA)
	case levelA+levelB >= 2:
		return models.NetworkHybrid, fmt.Sprintf("mixed_evidence a=%d b=%d", levelA, levelB)
	default:
		return models.NetworkOutOfNetwork, "weak_evidence"
	}
}
