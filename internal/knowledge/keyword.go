package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "will": {}, "with": {},
	"about": {}, "do": {}, "does": {}, "how": {},
}

// tokenize lowercases text and splits it on non-alphanumeric runes, dropping
// stopwords and single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// extractKeywords returns the most frequent distinct tokens of content,
// capped at limit. Ties break alphabetically so extraction is deterministic.
func extractKeywords(content string, limit int) []string {
	counts := make(map[string]int)
	for _, tok := range tokenize(content) {
		counts[tok]++
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// keywordIndex is an in-memory BM25 index over item keywords. One index per
// bucket; the library's bucket locks serialize writers against readers.
type keywordIndex struct {
	docLens  map[string]int            // item id -> token count
	postings map[string]map[string]int // term -> item id -> term frequency
	totalLen int
}

func newKeywordIndex() *keywordIndex {
	return &keywordIndex{
		docLens:  make(map[string]int),
		postings: make(map[string]map[string]int),
	}
}

// add indexes an item's keywords. Re-adding the same id replaces its
// postings.
func (ix *keywordIndex) add(id string, keywords []string) {
	ix.remove(id)
	ix.docLens[id] = len(keywords)
	ix.totalLen += len(keywords)
	for _, term := range keywords {
		bucket, ok := ix.postings[term]
		if !ok {
			bucket = make(map[string]int)
			ix.postings[term] = bucket
		}
		bucket[id]++
	}
}

func (ix *keywordIndex) remove(id string) {
	length, ok := ix.docLens[id]
	if !ok {
		return
	}
	ix.totalLen -= length
	delete(ix.docLens, id)
	for term, bucket := range ix.postings {
		if _, hit := bucket[id]; hit {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(ix.postings, term)
			}
		}
	}
}

type keywordHit struct {
	ID    string
	Score float64
}

// search ranks indexed items against the query with BM25. Only items sharing
// at least one query term score.
func (ix *keywordIndex) search(query string, topK int) []keywordHit {
	terms := tokenize(query)
	n := len(ix.docLens)
	if n == 0 || len(terms) == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		bucket, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := float64(len(bucket))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range bucket {
			norm := float64(tf) * (bm25K1 + 1) /
				(float64(tf) + bm25K1*(1-bm25B+bm25B*float64(ix.docLens[id])/avgLen))
			scores[id] += idf * norm
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hits := make([]keywordHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, keywordHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
