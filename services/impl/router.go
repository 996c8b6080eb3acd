package impl

import (
	"regexp"
	"strings"

	"github.com/tomehub/tomehub/models"
)

// RouterDecision is the routing outcome for one query.
type RouterDecision struct {
	Mode            string
	SelectedBuckets []string
	Reason          string
	RetrievalMode   string
}

// SemanticRouter is the rule-based lightweight router. It decides which
// retrieval buckets (exact, lemma, semantic) should run for a query.
type SemanticRouter struct{}

var directPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhangi sayfa\b`),
	regexp.MustCompile(`\bkitab(?:i|ın|in) ad[ıi]\b`),
	regexp.MustCompile(`\bkim (dedi|s[öo]yledi)\b`),
	regexp.MustCompile(`\btam al[ıi]nt[ıi]\b`),
	regexp.MustCompile(`"[^"]+"`),
}

var conceptualHints = map[string]bool{
	"nedir": true, "neden": true, "nasil": true, "anlami": true,
	"kavram": true, "kavramsal": true, "etik": true, "ahlak": true,
	"felsefe": true, "adalet": true, "vicdan": true, "ozgurluk": true,
}

// BucketsForMode maps a retrieval mode to its ordered bucket list.
func BucketsForMode(retrievalMode string) []string {
	switch strings.ToLower(strings.TrimSpace(retrievalMode)) {
	case "fast_exact":
		return []string{"exact", "lemma"}
	case "semantic_focus":
		return []string{"lemma", "semantic", "exact"}
	default:
		return []string{"exact", "lemma", "semantic"}
	}
}

// Route picks the retrieval mode for a query.
func (r *SemanticRouter) Route(query string, intent models.Intent, defaultMode string) RouterDecision {
	q := strings.ToLower(strings.TrimSpace(query))
	tokens := Tokenize(q)
	tokenSet := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tokenSet[DeaccentText(tok)] = true
	}

	// Intent-led fast path.
	switch intent {
	case models.IntentDirect, models.IntentCitationSeeking, models.IntentFollowUp:
		return RouterDecision{
			Mode:            "rule_based",
			SelectedBuckets: BucketsForMode("fast_exact"),
			Reason:          "intent=" + string(intent),
			RetrievalMode:   "fast_exact",
		}
	}

	// Pattern-led direct lookup style.
	for _, pat := range directPatterns {
		if pat.MatchString(q) {
			return RouterDecision{
				Mode:            "rule_based",
				SelectedBuckets: BucketsForMode("fast_exact"),
				Reason:          "pattern:" + pat.String(),
				RetrievalMode:   "fast_exact",
			}
		}
	}

	// Conceptual question: semantic dominant, lexical kept as safety.
	hasHint := false
	for hint := range conceptualHints {
		if tokenSet[hint] {
			hasHint = true
			break
		}
	}
	if hasHint && len(tokens) > 1 {
		return RouterDecision{
			Mode:            "rule_based",
			SelectedBuckets: BucketsForMode("semantic_focus"),
			Reason:          "conceptual_hint",
			RetrievalMode:   "semantic_focus",
		}
	}

	// Very short queries still need semantic coverage for the epistemic tail.
	if len(tokens) <= 2 {
		return RouterDecision{
			Mode:            "rule_based",
			SelectedBuckets: BucketsForMode("balanced"),
			Reason:          "short_query",
			RetrievalMode:   "balanced",
		}
	}

	mode := strings.ToLower(strings.TrimSpace(defaultMode))
	if mode == "" {
		mode = "balanced"
	}
	return RouterDecision{
		Mode:            "rule_based",
		SelectedBuckets: BucketsForMode(mode),
		Reason:          "default_" + mode,
		RetrievalMode:   mode,
	}
}

// RouteFlags expands the bucket list into per-strategy run flags.
type RouteFlags struct {
	RunExact    bool
	RunLemma    bool
	RunSemantic bool
}

func ToStrategyFlags(buckets []string) RouteFlags {
	flags := RouteFlags{}
	for _, b := range buckets {
		switch b {
		case "exact":
			flags.RunExact = true
		case "lemma":
			flags.RunLemma = true
		case "semantic":
			flags.RunSemantic = true
		}
	}
	return flags
}
