package knowledge

import (
	"context"
	"sort"
	"time"

	emberrors "ember/internal/errors"
	"ember/internal/observability"
	"ember/internal/shared/jsonx"
)

// BundleItem is one packed item with its retrieval provenance. Rank zero
// means the item did not appear on that search leg.
type BundleItem struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Bucket       Bucket  `json:"bucket"`
	SourceType   string  `json:"source_type"`
	Tokens       int     `json:"tokens"`
	VectorRank   int     `json:"vector_rank,omitempty"`
	VectorScore  float32 `json:"vector_score,omitempty"`
	KeywordRank  int     `json:"keyword_rank,omitempty"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
	FusedScore   float64 `json:"fused_score"`
}

// ContextBundle is the packed retrieval result handed to prompt composition.
type ContextBundle struct {
	Query      string       `json:"query"`
	Buckets    []Bucket     `json:"buckets"`
	Items      []BundleItem `json:"items"`
	TokensUsed int          `json:"tokens_used"`
	Budget     int          `json:"budget"`
}

// rrfK dampens the reciprocal-rank contribution of lower-ranked hits.
const rrfK = 60

type fusedHit struct {
	id           string
	vectorRank   int
	vectorScore  float32
	keywordRank  int
	keywordScore float64
	fused        float64
}

// fuse combines both ranked legs with reciprocal-rank fusion. Items on both
// legs accumulate both contributions, which floats overlap to the top.
func fuse(vector []vectorHit, keyword []keywordHit) []fusedHit {
	byID := make(map[string]*fusedHit)
	ordered := make([]*fusedHit, 0, len(vector)+len(keyword))
	get := func(id string) *fusedHit {
		if h, ok := byID[id]; ok {
			return h
		}
		h := &fusedHit{id: id}
		byID[id] = h
		ordered = append(ordered, h)
		return h
	}
	for i, v := range vector {
		h := get(v.ID)
		h.vectorRank = i + 1
		h.vectorScore = v.Similarity
		h.fused += 1.0 / float64(rrfK+i+1)
	}
	for i, k := range keyword {
		h := get(k.ID)
		h.keywordRank = i + 1
		h.keywordScore = k.Score
		h.fused += 1.0 / float64(rrfK+i+1)
	}
	out := make([]fusedHit, 0, len(ordered))
	for _, h := range ordered {
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		return out[i].id < out[j].id
	})
	return out
}

// Retrieve answers a query with a token-bounded context bundle. Buckets come
// from the classifier; both search legs run per bucket under read locks, get
// fused, and are packed greedily by descending fused rank. Items are never
// split to fit.
func (l *Library) Retrieve(ctx context.Context, query, principal string, budget int) (*ContextBundle, error) {
	if query == "" {
		return nil, emberrors.NewValidationError("query", "query is required")
	}
	if budget <= 0 {
		budget = l.cfg.ContextBudget
	}
	ctx, span := observability.StartSpan(ctx, l.tracer, observability.SpanRetrieval)
	defer span.End()
	started := time.Now()
	defer func() {
		l.metrics.RetrievalLatency.Observe(time.Since(started).Seconds())
	}()

	buckets := l.classifier.Classify(ctx, query)

	var vector []vectorHit
	var keyword []keywordHit
	for _, bucket := range buckets {
		lock := l.bucketLocks[bucket]
		lock.RLock()
		vhits, err := l.vectors.search(ctx, bucket, query, l.cfg.VectorTopK, l.cfg.MinSimilarity)
		if err != nil {
			lock.RUnlock()
			return nil, err
		}
		khits := l.keywords[bucket].search(query, l.cfg.KeywordTopK)
		lock.RUnlock()
		vector = append(vector, vhits...)
		keyword = append(keyword, khits...)
	}

	// Re-rank the merged legs globally before fusion so per-bucket order
	// does not leak into ranks.
	sort.SliceStable(vector, func(i, j int) bool { return vector[i].Similarity > vector[j].Similarity })
	if len(vector) > l.cfg.VectorTopK {
		vector = vector[:l.cfg.VectorTopK]
	}
	sort.SliceStable(keyword, func(i, j int) bool { return keyword[i].Score > keyword[j].Score })
	if len(keyword) > l.cfg.KeywordTopK {
		keyword = keyword[:l.cfg.KeywordTopK]
	}

	bundle := &ContextBundle{Query: query, Buckets: buckets, Budget: budget}
	for _, hit := range fuse(vector, keyword) {
		item, ok := l.Get(hit.id)
		if !ok {
			// A persisted vector can outlive the catalog across restarts.
			l.logger.Debug("knowledge: dropping stale hit %s", hit.id)
			continue
		}
		if item.Principal != "" && item.Principal != principal {
			continue
		}
		if bundle.TokensUsed+item.Tokens > budget {
			continue
		}
		bundle.Items = append(bundle.Items, BundleItem{
			ID:           item.ID,
			Title:        item.Title,
			Content:      item.Content,
			Bucket:       item.Bucket,
			SourceType:   item.SourceType,
			Tokens:       item.Tokens,
			VectorRank:   hit.vectorRank,
			VectorScore:  hit.vectorScore,
			KeywordRank:  hit.keywordRank,
			KeywordScore: hit.keywordScore,
			FusedScore:   hit.fused,
		})
		bundle.TokensUsed += item.Tokens
	}
	l.logger.Debug("knowledge: query packed %d items, %d/%d tokens", len(bundle.Items), bundle.TokensUsed, budget)
	return bundle, nil
}

// QueryJSON serves the knowledge_query tool: the bundle marshalled for a
// model to read. A non-positive budget uses the configured default.
func (l *Library) QueryJSON(ctx context.Context, query, principal string, budget int) (jsonx.RawMessage, error) {
	bundle, err := l.Retrieve(ctx, query, principal, budget)
	if err != nil {
		return nil, err
	}
	out, err := jsonx.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	return jsonx.RawMessage(out), nil
}
