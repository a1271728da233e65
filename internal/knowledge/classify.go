package knowledge

import (
	"context"
	"strings"

	"ember/internal/llm"
	"ember/internal/logging"
)

// bucketHints drive the heuristic pass. A query whose tokens hit exactly one
// bucket's hints lands there; anything else is ambiguous.
var bucketHints = map[Bucket][]string{
	BucketPersonal: {
		"me", "my", "mine", "family", "health", "habit", "diet", "sleep",
		"birthday", "friend", "reminder", "preference", "journal",
	},
	BucketCreator: {
		"video", "post", "content", "audience", "channel", "script",
		"publish", "thumbnail", "subscriber", "episode", "draft", "blog",
	},
	BucketProjects: {
		"project", "deadline", "milestone", "repo", "repository", "bug",
		"feature", "sprint", "release", "ticket", "design", "review",
	},
}

// Classifier maps a query or source to buckets. The heuristic pass is free;
// when it is ambiguous and an LLM client is configured, one cheap call breaks
// the tie. Ambiguity with no client means searching every bucket.
type Classifier struct {
	client llm.Client
	logger logging.Logger
}

// NewClassifier builds a classifier. A nil client disables the LLM pass.
func NewClassifier(client llm.Client, logger logging.Logger) *Classifier {
	return &Classifier{client: client, logger: logging.OrNop(logger)}
}

// Classify returns the buckets to search for a query, best match first.
func (c *Classifier) Classify(ctx context.Context, query string) []Bucket {
	if bucket, ok := c.heuristic(query); ok {
		return []Bucket{bucket}
	}
	if c.client != nil {
		if bucket, ok := c.llmPass(ctx, query); ok {
			return []Bucket{bucket}
		}
	}
	return AllBuckets()
}

// ClassifySource picks the bucket for an ingested source. An explicit bucket
// on the source wins; otherwise classification of title plus content, with
// "other" as the ambiguous fallback.
func (c *Classifier) ClassifySource(ctx context.Context, src Source) Bucket {
	if src.Bucket != "" {
		return src.Bucket
	}
	buckets := c.Classify(ctx, src.Title+" "+src.Content)
	if len(buckets) == 1 {
		return buckets[0]
	}
	return BucketOther
}

func (c *Classifier) heuristic(query string) (Bucket, bool) {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tokens[strings.Trim(tok, ".,!?;:'\"()")] = struct{}{}
	}

	var best Bucket
	bestScore, secondScore := 0, 0
	for bucket, hints := range bucketHints {
		score := 0
		for _, hint := range hints {
			if _, ok := tokens[hint]; ok {
				score++
			}
		}
		switch {
		case score > bestScore:
			secondScore = bestScore
			bestScore = score
			best = bucket
		case score > secondScore:
			secondScore = score
		}
	}
	if bestScore > 0 && bestScore > secondScore {
		return best, true
	}
	return "", false
}

func (c *Classifier) llmPass(ctx context.Context, query string) (Bucket, bool) {
	resp, err := llm.Complete(ctx, c.client, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Classify the query into exactly one bucket: personal, creator, projects, or other. Reply with the bucket name only."},
			{Role: "user", Content: query},
		},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("knowledge: classifier call failed: %v", err)
		return "", false
	}
	bucket, err := ParseBucket(strings.ToLower(strings.TrimSpace(resp.Content)))
	if err != nil || bucket == "" {
		c.logger.Debug("knowledge: classifier reply %q not a bucket", resp.Content)
		return "", false
	}
	return bucket, true
}
