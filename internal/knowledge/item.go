// Package knowledge holds the retrievable memory of the assistant: ingested
// items partitioned into buckets, a per-bucket vector index, a per-bucket
// keyword index, and the hybrid retrieval orchestrator that fuses both.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	emberrors "ember/internal/errors"
)

// Bucket partitions knowledge items by life domain. Each bucket has its own
// vector collection and keyword index.
type Bucket string

const (
	BucketPersonal Bucket = "personal"
	BucketCreator  Bucket = "creator"
	BucketProjects Bucket = "projects"
	BucketOther    Bucket = "other"
)

// AllBuckets lists every bucket in stable search order.
func AllBuckets() []Bucket {
	return []Bucket{BucketPersonal, BucketCreator, BucketProjects, BucketOther}
}

// ParseBucket validates a bucket name. Empty input is not an error here;
// classification fills it in later.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case BucketPersonal, BucketCreator, BucketProjects, BucketOther:
		return Bucket(s), nil
	case "":
		return "", nil
	}
	return "", emberrors.NewValidationError("bucket", "unknown bucket "+s)
}

// Source types for ingested items.
const (
	SourceNote       = "note"
	SourceFile       = "file"
	SourceWeb        = "web"
	SourceMail       = "mail"
	SourceChat       = "chat"
	SourceTaskOutput = "task_output"
)

// Item is one retrievable unit of knowledge.
type Item struct {
	ID          string            `json:"id"`
	SourceType  string            `json:"source_type"`
	Bucket      Bucket            `json:"bucket"`
	Principal   string            `json:"principal,omitempty"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Embedding   []float32         `json:"-"`
	Keywords    []string          `json:"keywords,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentHash string            `json:"content_hash"`
	Tokens      int               `json:"tokens"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Source is raw material handed to the ingestion pipeline.
type Source struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Bucket    Bucket            `json:"bucket,omitempty"`
	Principal string            `json:"principal,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// contentHash fingerprints normalized content. Identical content always maps
// to the same item.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
