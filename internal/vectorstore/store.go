// Package vectorstore implements the embedded, process-local cosine-similarity
// store that backs retrieval. A Client owns a set of named collections; each
// collection stores (id, vector, document, metadata) rows. Clients come in two
// flavors: ephemeral (memory only) and persistent (rooted at a directory,
// where each collection serializes to a JSON file).
package vectorstore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// storeFileName is the serialized collection file inside a persistent
// collection directory.
const storeFileName = "store.json"

// Client manages collections. Safe for concurrent use.
type Client struct {
	root        string // empty for ephemeral clients
	mu          sync.RWMutex
	collections map[string]*Collection
}

// clientCache deduplicates persistent clients per root path, so one writer and
// many readers share the same in-memory view of a collection.
var (
	clientCacheMu sync.Mutex
	clientCache   = make(map[string]*Client)
	ephemeral     *Client
	ephemeralOnce sync.Once
)

// NewEphemeralClient returns the process-wide shared in-memory client.
func NewEphemeralClient() *Client {
	ephemeralOnce.Do(func() {
		ephemeral = &Client{collections: make(map[string]*Collection)}
	})
	return ephemeral
}

// NewPersistentClient returns the client rooted at dir, creating it on first
// use. The same dir always yields the same client instance.
func NewPersistentClient(dir string) (*Client, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}

	clientCacheMu.Lock()
	defer clientCacheMu.Unlock()
	if c, ok := clientCache[abs]; ok {
		return c, nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	c := &Client{root: abs, collections: make(map[string]*Collection)}
	clientCache[abs] = c
	return c, nil
}

// Persistent reports whether this client writes collections to disk.
func (c *Client) Persistent() bool { return c.root != "" }

// Root returns the on-disk root for persistent clients, empty otherwise.
func (c *Client) Root() string { return c.root }

// CreateCollection creates (or replaces) a collection.
func (c *Client) CreateCollection(name string) (*Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	col := &Collection{name: name, client: c}
	if c.root != "" {
		dir := filepath.Join(c.root, name)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to reset collection dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create collection dir: %w", err)
		}
	}
	c.collections[name] = col
	return col, nil
}

// GetCollection opens an existing collection. Persistent clients lazily load
// the serialized rows from disk. Returns core.ErrNotFound when the collection
// does not exist.
func (c *Client) GetCollection(name string) (*Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[name]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	if c.root == "" {
		return nil, fmt.Errorf("collection %q: %w", name, core.ErrNotFound)
	}

	path := filepath.Join(c.root, name, storeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", name, core.ErrNotFound)
	}

	var rows []row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("collection %q is corrupt: %w", name, err)
	}

	col = &Collection{name: name, client: c, rows: rows}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.collections[name]; ok {
		return existing, nil
	}
	c.collections[name] = col
	return col, nil
}

// DeleteCollection removes a collection from memory and, for persistent
// clients, from disk.
func (c *Client) DeleteCollection(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, name)
	if c.root != "" {
		return os.RemoveAll(filepath.Join(c.root, name))
	}
	return nil
}

// row is one stored embedding.
type row struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata"`
}

// Collection is a named, cosine-ranked set of embeddings. One writer (the
// indexer) and many readers (the retriever) may operate concurrently.
type Collection struct {
	name   string
	client *Client
	mu     sync.RWMutex
	rows   []row
}

// Name returns the collection name.
func (col *Collection) Name() string { return col.name }

// Count returns the number of stored rows.
func (col *Collection) Count() int {
	col.mu.RLock()
	defer col.mu.RUnlock()
	return len(col.rows)
}

// Add appends a batch of embeddings. IDs already present are overwritten.
// Persistent collections flush to disk after every batch, so a budget-stopped
// index keeps what it processed.
func (col *Collection) Add(ids []string, vectors [][]float32, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(vectors) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return fmt.Errorf("mismatched batch lengths: %d ids, %d vectors, %d documents, %d metadatas",
			len(ids), len(vectors), len(documents), len(metadatas))
	}

	col.mu.Lock()
	existing := make(map[string]int, len(col.rows))
	for i, r := range col.rows {
		existing[r.ID] = i
	}
	for i := range ids {
		r := row{ID: ids[i], Vector: vectors[i], Document: documents[i], Metadata: metadatas[i]}
		if at, ok := existing[r.ID]; ok {
			col.rows[at] = r
		} else {
			col.rows = append(col.rows, r)
		}
	}
	col.mu.Unlock()

	return col.flush()
}

// QueryResult is one nearest-neighbor match. Distance is cosine distance
// (1 - cosine similarity), smaller is closer.
type QueryResult struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// Query returns the k nearest rows by cosine distance, optionally restricted
// to rows whose metadata matches every entry of filter.
func (col *Collection) Query(vector []float32, k int, filter map[string]any) ([]QueryResult, error) {
	if k <= 0 {
		return nil, nil
	}

	col.mu.RLock()
	defer col.mu.RUnlock()

	results := make([]QueryResult, 0, len(col.rows))
	for _, r := range col.rows {
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		results = append(results, QueryResult{
			ID:       r.ID,
			Document: r.Document,
			Metadata: r.Metadata,
			Distance: cosineDistance(vector, r.Vector),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (col *Collection) flush() error {
	if col.client == nil || col.client.root == "" {
		return nil
	}

	col.mu.RLock()
	data, err := json.Marshal(col.rows)
	col.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to serialize collection %q: %w", col.name, err)
	}

	dir := filepath.Join(col.client.root, col.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, storeFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write collection %q: %w", col.name, err)
	}
	return os.Rename(tmp, filepath.Join(dir, storeFileName))
}

func matchesFilter(meta, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := meta[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// cosineDistance returns 1 - cosine similarity. Mismatched or zero-norm
// vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
