package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"ema/internal/crypto"
	"ema/internal/store"

	"github.com/google/uuid"
)

// Record is one decrypted long-term memory, the in-process shape returned
// to callers. Content is stored encrypted; Record always carries plaintext.
type Record struct {
	ID             string
	UserID         string
	Content        string
	ContentHash    string
	Category       string
	Tags           []string
	Score          float64
	AccessCount    int
	IsArchived     bool
	CreatedAt      int64
	LastAccessedAt int64
}

// LongTermStore persists encrypted, deduplicated memories keyed by user and
// content hash, scoring re-mentions the way the teacher boosts recurring
// memories rather than storing duplicates.
type LongTermStore struct {
	docs       store.Store
	encryption *crypto.EncryptionService
}

// NewLongTermStore wraps a document store and an encryption service.
func NewLongTermStore(docs store.Store, encryption *crypto.EncryptionService) *LongTermStore {
	return &LongTermStore{docs: docs, encryption: encryption}
}

// Add stores content for userID, merging into an existing memory with the
// same normalized content instead of creating a duplicate: tags are merged
// and the score is boosted by 0.1 (capped at 1.0), matching the teacher's
// re-mention-boosts-importance rule.
func (s *LongTermStore) Add(ctx context.Context, userID, content, category string, tags []string) (*Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("add long-term memory: user id is required")
	}
	if content == "" {
		return nil, fmt.Errorf("add long-term memory: content is required")
	}

	hash := contentHash(content)
	existing, err := s.findByHash(ctx, userID, hash)
	if err != nil {
		return nil, fmt.Errorf("add long-term memory: %w", err)
	}
	if existing != nil {
		return s.mergeInto(ctx, existing, tags)
	}

	encrypted, err := s.encryption.EncryptString(userID, crypto.LongTermMemoryContent, content)
	if err != nil {
		return nil, fmt.Errorf("add long-term memory: encrypt content: %w", err)
	}

	now := time.Now().UnixMilli()
	rec := &Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		Content:     content,
		ContentHash: hash,
		Category:    category,
		Tags:        tags,
		Score:       0.5,
		CreatedAt:   now,
	}

	entity := map[string]any{
		"userId":         userID,
		"content":        encrypted,
		"contentHash":    hash,
		"category":       category,
		"tags":           tags,
		"score":          rec.Score,
		"accessCount":    0,
		"isArchived":     false,
		"createdAt":      now,
		"lastAccessedAt": int64(0),
	}
	if err := s.docs.UpsertEntity(ctx, store.LongTermMemories, rec.ID, entity); err != nil {
		return nil, fmt.Errorf("add long-term memory: %w", err)
	}
	return rec, nil
}

func (s *LongTermStore) mergeInto(ctx context.Context, existing *Record, newTags []string) (*Record, error) {
	tagSet := make(map[string]struct{}, len(existing.Tags)+len(newTags))
	for _, t := range existing.Tags {
		tagSet[t] = struct{}{}
	}
	for _, t := range newTags {
		tagSet[t] = struct{}{}
	}
	merged := make([]string, 0, len(tagSet))
	for t := range tagSet {
		merged = append(merged, t)
	}

	score := existing.Score + 0.1
	if score > 1.0 {
		score = 1.0
	}

	entity := map[string]any{
		"userId":         existing.UserID,
		"content":        mustEncrypt(s.encryption, existing.UserID, existing.Content),
		"contentHash":    existing.ContentHash,
		"category":       existing.Category,
		"tags":           merged,
		"score":          score,
		"accessCount":    existing.AccessCount,
		"isArchived":     existing.IsArchived,
		"createdAt":      existing.CreatedAt,
		"lastAccessedAt": existing.LastAccessedAt,
	}
	if err := s.docs.UpsertEntity(ctx, store.LongTermMemories, existing.ID, entity); err != nil {
		return nil, fmt.Errorf("merge long-term memory: %w", err)
	}

	existing.Tags = merged
	existing.Score = score
	return existing, nil
}

// Search returns the user's non-archived memories whose content or tags
// contain any of keywords, highest score first, bumping each match's
// access count and last-accessed timestamp.
func (s *LongTermStore) Search(ctx context.Context, userID string, keywords []string) ([]Record, error) {
	docs, err := s.docs.ListCollection(ctx, store.LongTermMemories,
		map[string]any{"userId": userID}, 0, map[string]int{"score": -1})
	if err != nil {
		return nil, fmt.Errorf("search long-term memories: %w", err)
	}

	var out []Record
	for _, d := range docs {
		rec, err := s.decode(userID, d)
		if err != nil {
			continue
		}
		if rec.IsArchived {
			continue
		}
		if len(keywords) > 0 && !matchesAny(rec, keywords) {
			continue
		}
		out = append(out, *rec)
		s.touch(ctx, rec.ID, d)
	}
	return out, nil
}

// touch increments accessCount and refreshes lastAccessedAt, best-effort.
func (s *LongTermStore) touch(ctx context.Context, id string, doc map[string]any) {
	accessCount := 0
	if n, ok := doc["accessCount"].(int); ok {
		accessCount = n
	} else if n, ok := doc["accessCount"].(int64); ok {
		accessCount = int(n)
	}
	doc["accessCount"] = accessCount + 1
	doc["lastAccessedAt"] = time.Now().UnixMilli()
	_ = s.docs.UpsertEntity(ctx, store.LongTermMemories, id, doc)
}

func matchesAny(rec *Record, keywords []string) bool {
	lowerContent := strings.ToLower(rec.Content)
	for _, kw := range keywords {
		lowerKw := strings.ToLower(kw)
		if strings.Contains(lowerContent, lowerKw) {
			return true
		}
		for _, tag := range rec.Tags {
			if strings.EqualFold(tag, kw) {
				return true
			}
		}
	}
	return false
}

func (s *LongTermStore) findByHash(ctx context.Context, userID, hash string) (*Record, error) {
	docs, err := s.docs.ListCollection(ctx, store.LongTermMemories,
		map[string]any{"userId": userID, "contentHash": hash}, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return s.decode(userID, docs[0])
}

func (s *LongTermStore) decode(userID string, d map[string]any) (*Record, error) {
	encrypted, _ := d["content"].(string)
	plaintext, err := s.encryption.DecryptString(userID, crypto.LongTermMemoryContent, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt memory content: %w", err)
	}

	rec := &Record{
		UserID:      userID,
		Content:     plaintext,
		ContentHash: stringField(d["contentHash"]),
		Category:    stringField(d["category"]),
		Score:       floatField(d["score"]),
		IsArchived:  boolField(d["isArchived"]),
		CreatedAt:   int64Field(d["createdAt"]),
	}
	if id, ok := d["id"].(string); ok {
		rec.ID = id
	}
	if tags, ok := d["tags"].([]any); ok {
		for _, t := range tags {
			if ts, ok := t.(string); ok {
				rec.Tags = append(rec.Tags, ts)
			}
		}
	} else if tags, ok := d["tags"].([]string); ok {
		rec.Tags = tags
	}
	return rec, nil
}

func mustEncrypt(enc *crypto.EncryptionService, userID, plaintext string) string {
	out, err := enc.EncryptString(userID, crypto.LongTermMemoryContent, plaintext)
	if err != nil {
		return ""
	}
	return out
}

func contentHash(content string) string {
	normalized := normalizeContent(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// normalizeContent lowercases, collapses separators, and strips punctuation
// so that trivially different phrasings of the same fact hash identically.
func normalizeContent(content string) string {
	normalized := strings.ToLower(content)
	for _, sep := range []string{"\n", "\t", "\r", "-", "_"} {
		normalized = strings.ReplaceAll(normalized, sep, " ")
	}
	normalized = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			return r
		}
		return -1
	}, normalized)
	return strings.Join(strings.Fields(normalized), " ")
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

func floatField(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func int64Field(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
