package repo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
)

// metaFile is the on-disk shape of <cache_root>/meta.json: the paper
// index and the cache index in one document.
type metaFile struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Papers  []*paper.Metadata `json:"papers"`
	Cache   []*CacheEntry     `json:"cache"`
}

const metaVersion = 1

// Meta persists the repositories to meta.json under the cache root,
// rewriting atomically via temp+rename.
type Meta struct {
	root string
}

// NewMeta creates the persistence handle for root.
func NewMeta(root string) *Meta {
	return &Meta{root: root}
}

func (m *Meta) path() string { return filepath.Join(m.root, "meta.json") }

// Save writes the current contents of both repositories.
func (m *Meta) Save(papers *Papers, cache *Cache) error {
	doc := metaFile{
		Version: metaVersion,
		SavedAt: time.Now().UTC(),
		Papers:  papers.snapshot(),
		Cache:   cache.snapshot(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindSerializationError, "encoding meta.json", err)
	}

	tmp, err := os.CreateTemp(m.root, "meta.json.tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "creating meta temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindIOError, "writing meta.json", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindIOError, "closing meta temp file", err)
	}
	if err := os.Rename(tmp.Name(), m.path()); err != nil {
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindStorageError, "renaming meta.json into place", err)
	}
	return nil
}

// Load replaces repository contents from meta.json. A missing file is
// a clean first run, not an error.
func (m *Meta) Load(papers *Papers, cache *Cache) error {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindStorageError, "reading meta.json", err)
	}
	var doc metaFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(errs.KindSerializationError, "decoding meta.json", err)
	}
	papers.restore(doc.Papers)
	cache.restore(doc.Cache)
	return nil
}
