package impl

import (
	"context"
	"regexp"
	"strings"

	"github.com/tomehub/tomehub/services"
)

// fastPassageClassifier is the heuristic passage-type/quotability classifier.
// It substitutes for the slower semantic classifier and always degrades to
// SITUATIONAL / MEDIUM.
type fastPassageClassifier struct{}

func NewPassageClassifier() services.PassageClassifier {
	return &fastPassageClassifier{}
}

var (
	definitionSignals = regexp.MustCompile(`(demektir|anlamina gelir|ifade eder|tanimi|tanımı|olarak tanimlan|is defined as|refers to)`)
	theorySignals     = regexp.MustCompile(`(iki teori|iki gorus|iki görüş|birincisi|ikincisi|yaklasim var|teori var|bir yandan)`)
	quoteSignals      = regexp.MustCompile(`^".+"$|dedi ki|soyle der|şöyle der`)
)

func (c *fastPassageClassifier) ClassifyPassage(text string) (string, string) {
	norm := NormalizeMatchText(text)
	if norm == "" {
		return "SITUATIONAL", "MEDIUM"
	}
	switch {
	case definitionSignals.MatchString(norm):
		return "DEFINITION", "HIGH"
	case theorySignals.MatchString(norm):
		return "THEORY", "HIGH"
	case quoteSignals.MatchString(strings.TrimSpace(text)):
		return "QUOTE", "HIGH"
	case len(norm) < 120:
		return "SITUATIONAL", "LOW"
	default:
		return "SITUATIONAL", "MEDIUM"
	}
}

// llmConceptExtractor asks the lite model for concept names in free text.
type llmConceptExtractor struct {
	llm       services.LLMProvider
	liteModel string
}

func NewConceptExtractor(llm services.LLMProvider, liteModel string) services.ConceptExtractor {
	return &llmConceptExtractor{llm: llm, liteModel: liteModel}
}

const conceptExtractPrompt = `Metindeki ana kavramların adlarını çıkar. Her satıra bir kavram, en fazla 5 kavram, açıklama ekleme.

METİN: %s
`

func (e *llmConceptExtractor) ExtractConcepts(ctx context.Context, text string) ([]string, error) {
	if e.llm == nil {
		return nil, nil
	}
	result, err := e.llm.GenerateText(ctx, e.liteModel, sprintfConcept(text), services.GenerateOptions{TimeoutSeconds: 4})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(result.Text, "\n") {
		name := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if name == "" {
			continue
		}
		names = append(names, name)
		if len(names) >= 5 {
			break
		}
	}
	return names, nil
}

func sprintfConcept(text string) string {
	if len(text) > 500 {
		text = text[:500]
	}
	return strings.Replace(conceptExtractPrompt, "%s", text, 1)
}
