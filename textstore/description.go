package textstore

import (
	"context"
	"sync"
)

// Resolver turns a CID into description text.
type Resolver interface {
	Description(ctx context.Context, cid string) string
}

// descriptionDoc is the pinned shape of a job description.
type descriptionDoc struct {
	Description *string `json:"description"`
}

// PutDescription pins a job description and returns the CID stored on-chain.
// The document is named after the job title.
func (p *Pinata) PutDescription(ctx context.Context, title, description string) (string, error) {
	return p.Put(ctx, title, map[string]string{"description": description})
}

// Description resolves cid to its description text. It never fails: an
// unreachable document and a document without the field each read as a
// fixed placeholder.
func (p *Pinata) Description(ctx context.Context, cid string) string {
	var doc descriptionDoc
	if err := p.Get(ctx, cid, &doc); err != nil {
		p.logger.Debugw("Description unavailable", "cid", cid, "error", err)
		return PlaceholderFetchError
	}
	if doc.Description == nil {
		return PlaceholderMissing
	}
	return *doc.Description
}

// Cache memoizes resolved descriptions. Pinned content is immutable; fetch
// failures are not cached and retry on the next refresh.
type Cache struct {
	source Resolver
	mu    sync.RWMutex
	texts map[string]string
}

// NewCache wraps a description source.
func NewCache(source Resolver) *Cache {
	return &Cache{source: source, texts: make(map[string]string)}
}

// Description returns the cached text or resolves it.
func (c *Cache) Description(ctx context.Context, cid string) string {
	c.mu.RLock()
	text, ok := c.texts[cid]
	c.mu.RUnlock()
	if ok {
		return text
	}

	text = c.source.Description(ctx, cid)
	if text != PlaceholderFetchError {
		c.mu.Lock()
		c.texts[cid] = text
		c.mu.Unlock()
	}
	return text
}
