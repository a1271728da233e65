package knowledge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	emberrors "ember/internal/errors"
	"ember/internal/logging"
	"ember/internal/observability"
	"ember/internal/shared/token"
)

// Config tunes retrieval and storage.
type Config struct {
	// PersistPath persists the vector collections on disk. Empty keeps
	// everything in memory.
	PersistPath string
	// VectorTopK and KeywordTopK bound each search leg before fusion.
	VectorTopK  int
	KeywordTopK int
	// MinSimilarity drops vector hits below this cosine similarity.
	MinSimilarity float32
	// ContextBudget is the default token budget for packed bundles.
	ContextBudget int
	// KeywordsPerItem caps the analysis stage's keyword extraction.
	KeywordsPerItem int
}

func (c *Config) normalize() {
	if c.VectorTopK <= 0 {
		c.VectorTopK = 8
	}
	if c.KeywordTopK <= 0 {
		c.KeywordTopK = 8
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4000
	}
	if c.KeywordsPerItem <= 0 {
		c.KeywordsPerItem = 32
	}
}

// Library owns the knowledge catalog and both indexes. Writers take the
// target bucket's lock exclusively; retrieval takes read locks, so queries in
// different buckets never block each other's ingestion.
type Library struct {
	cfg        Config
	embedder   Embedder
	classifier *Classifier
	vectors    *vectorIndex
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer

	catalogMu sync.RWMutex
	items     map[string]*Item  // id -> item
	byHash    map[string]string // content hash -> id

	bucketLocks map[Bucket]*sync.RWMutex
	keywords    map[Bucket]*keywordIndex
}

// New builds a library. A nil classifier falls back to heuristics only.
func New(cfg Config, embedder Embedder, classifier *Classifier, logger logging.Logger, metrics *observability.Metrics) (*Library, error) {
	cfg.normalize()
	if embedder == nil {
		return nil, emberrors.NewValidationError("embedder", "embedder is required")
	}
	if classifier == nil {
		classifier = NewClassifier(nil, logger)
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	vectors, err := newVectorIndex(cfg.PersistPath, embedder)
	if err != nil {
		return nil, err
	}

	l := &Library{
		cfg:         cfg,
		embedder:    embedder,
		classifier:  classifier,
		vectors:     vectors,
		logger:      logging.OrNop(logger),
		metrics:     metrics,
		tracer:      observability.Tracer(true),
		items:       make(map[string]*Item),
		byHash:      make(map[string]string),
		bucketLocks: make(map[Bucket]*sync.RWMutex),
		keywords:    make(map[Bucket]*keywordIndex),
	}
	for _, bucket := range AllBuckets() {
		l.bucketLocks[bucket] = &sync.RWMutex{}
		l.keywords[bucket] = newKeywordIndex()
	}
	return l, nil
}

// IngestStats summarizes one batch ingestion.
type IngestStats struct {
	Sources int `json:"sources"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Ingest runs one source through the pipeline: discovery, ingestion,
// parsing, classification, analysis, storage, indexing. A source whose
// content hash already exists updates metadata only and reports created
// false.
func (l *Library) Ingest(ctx context.Context, src Source) (*Item, bool, error) {
	ctx, span := observability.StartSpan(ctx, l.tracer, observability.SpanIngest)
	defer span.End()

	// Discovery: the source must be well formed before anything else runs.
	if err := l.discover(src); err != nil {
		return nil, false, err
	}

	// Ingestion and parsing: acquire the raw text and normalize it.
	content := l.parse(l.acquire(src))
	if content == "" {
		return nil, false, emberrors.NewValidationError("content", "source has no content")
	}

	// Classification decides the bucket, analysis extracts keywords.
	bucket := l.classifier.ClassifySource(ctx, src)
	keywords := extractKeywords(content, l.cfg.KeywordsPerItem)
	hash := contentHash(content)

	lock := l.bucketLocks[bucket]
	lock.Lock()
	defer lock.Unlock()

	if existing := l.lookupByHash(hash); existing != nil {
		l.mergeMetadata(existing, src.Metadata)
		l.logger.Debug("knowledge: re-ingest of %s updated metadata only", existing.ID)
		return l.snapshot(existing), false, nil
	}

	// Storage: the embedding is computed before the item becomes visible, so
	// no query ever sees an item in one index but not the other.
	embedding, err := l.embedder.Embed(ctx, content)
	if err != nil {
		return nil, false, err
	}
	item := &Item{
		ID:          uuid.NewString(),
		SourceType:  src.Type,
		Bucket:      bucket,
		Principal:   src.Principal,
		Title:       src.Title,
		Content:     content,
		Embedding:   embedding,
		Keywords:    keywords,
		Metadata:    cloneMetadata(src.Metadata),
		ContentHash: hash,
		Tokens:      token.Count(content),
		CreatedAt:   time.Now(),
	}

	// Indexing: both indexes under the same bucket lock.
	if err := l.vectors.add(ctx, item); err != nil {
		return nil, false, err
	}
	l.keywords[bucket].add(item.ID, item.Keywords)

	l.catalogMu.Lock()
	l.items[item.ID] = item
	l.byHash[hash] = item.ID
	l.catalogMu.Unlock()

	l.metrics.ItemsIngested.Inc()
	l.logger.Info("knowledge: ingested %s (%s, %d tokens) into %s", item.ID, item.SourceType, item.Tokens, bucket)
	return l.snapshot(item), true, nil
}

// IngestAll runs a batch of sources, continuing past individual failures.
func (l *Library) IngestAll(ctx context.Context, sources []Source) (IngestStats, error) {
	stats := IngestStats{Sources: len(sources)}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		_, created, err := l.Ingest(ctx, src)
		switch {
		case err != nil:
			stats.Failed++
			l.logger.Warn("knowledge: ingest %q failed: %v", src.Title, err)
		case created:
			stats.Created++
		default:
			stats.Updated++
		}
	}
	return stats, nil
}

// Get returns an item by id.
func (l *Library) Get(id string) (*Item, bool) {
	l.catalogMu.RLock()
	defer l.catalogMu.RUnlock()
	item, ok := l.items[id]
	if !ok {
		return nil, false
	}
	return l.snapshot(item), true
}

// Count returns the item count, optionally restricted to one bucket.
func (l *Library) Count(bucket Bucket) int {
	l.catalogMu.RLock()
	defer l.catalogMu.RUnlock()
	if bucket == "" {
		return len(l.items)
	}
	n := 0
	for _, item := range l.items {
		if item.Bucket == bucket {
			n++
		}
	}
	return n
}

func (l *Library) discover(src Source) error {
	if strings.TrimSpace(src.Content) == "" {
		return emberrors.NewValidationError("content", "source has no content")
	}
	if src.Type == "" {
		return emberrors.NewValidationError("type", "source type is required")
	}
	if _, err := ParseBucket(string(src.Bucket)); err != nil {
		return err
	}
	return nil
}

func (l *Library) acquire(src Source) string {
	return src.Content
}

// parse normalizes line endings and collapses runs of blank lines so hashing
// is stable across sources of the same text.
func (l *Library) parse(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(content)
}

func (l *Library) lookupByHash(hash string) *Item {
	l.catalogMu.RLock()
	defer l.catalogMu.RUnlock()
	id, ok := l.byHash[hash]
	if !ok {
		return nil
	}
	return l.items[id]
}

func (l *Library) mergeMetadata(item *Item, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	l.catalogMu.Lock()
	defer l.catalogMu.Unlock()
	if item.Metadata == nil {
		item.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		item.Metadata[k] = v
	}
}

// snapshot copies an item so callers never alias catalog state.
func (l *Library) snapshot(item *Item) *Item {
	out := *item
	out.Metadata = cloneMetadata(item.Metadata)
	out.Keywords = append([]string(nil), item.Keywords...)
	out.Embedding = nil
	return &out
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
