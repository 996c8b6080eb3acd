package impl

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/tomehub/tomehub/services"
)

// vocabSpellCorrector corrects query typos against the user's own lemma
// vocabulary using OSA distance. The vocabulary is cached per user.
type vocabSpellCorrector struct {
	store services.Store

	mu    sync.Mutex
	cache map[string]vocabEntry
}

type vocabEntry struct {
	vocab     []string
	fetchedAt time.Time
}

const (
	vocabCacheTTL  = 10 * time.Minute
	vocabFetchSize = 5000
)

func NewSpellCorrector(store services.Store) services.SpellCorrector {
	return &vocabSpellCorrector{
		store: store,
		cache: make(map[string]vocabEntry),
	}
}

func (c *vocabSpellCorrector) vocabulary(ctx context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	entry, ok := c.cache[userID]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < vocabCacheTTL {
		return entry.vocab, nil
	}

	vocab, err := c.store.UserLemmaVocabulary(ctx, userID, vocabFetchSize)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[userID] = vocabEntry{vocab: vocab, fetchedAt: time.Now()}
	c.mu.Unlock()
	return vocab, nil
}

// Correct rewrites each unknown token to its nearest vocabulary lemma when the
// edit distance is small enough to be a plausible typo.
func (c *vocabSpellCorrector) Correct(ctx context.Context, userID, query string) (string, error) {
	vocab, err := c.vocabulary(ctx, userID)
	if err != nil || len(vocab) == 0 {
		return query, err
	}
	vocabSet := make(map[string]bool, len(vocab))
	for _, v := range vocab {
		vocabSet[v] = true
	}

	tokens := strings.Fields(query)
	changed := false
	for i, tok := range tokens {
		norm := DeaccentText(tok)
		if len(norm) < 4 || vocabSet[norm] {
			continue
		}
		best := ""
		bestDist := maxEditDistanceFor(norm)
		for _, candidate := range vocab {
			if absInt(len(candidate)-len(norm)) > bestDist {
				continue
			}
			dist := matchr.OSA(norm, candidate)
			if dist < bestDist || (dist == bestDist && best == "") {
				bestDist = dist
				best = candidate
			}
		}
		if best != "" && best != norm {
			tokens[i] = best
			changed = true
		}
	}
	if !changed {
		return query, nil
	}
	return strings.Join(tokens, " "), nil
}

// maxEditDistanceFor scales the allowed distance with token length: short
// tokens tolerate one edit, longer tokens two.
func maxEditDistanceFor(token string) int {
	if len(token) >= 7 {
		return 2
	}
	return 1
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
