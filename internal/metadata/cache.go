package metadata

import (
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"
)

// DocIDPattern matches document folder names inside a repository's docs dir.
var DocIDPattern = regexp.MustCompile(`^[0-9]{5}-[0-9]{2}-[0-9]{4}-[0-9]{3}$`)

// IsDocID reports whether name looks like a document ID.
func IsDocID(name string) bool { return DocIDPattern.MatchString(name) }

// Cache re-reads repository facts only when the backing file's modification
// time advances past the one recorded at the last read.
type Cache struct {
	metadataPath string
	docsDir      string
	log          *slog.Logger

	mu            sync.Mutex
	credential    bool
	name          string
	metadataMtime time.Time
	docCount      int
	docsMtime     time.Time

	// OnDocumentCount is called after a recount produced a different value.
	OnDocumentCount func(n int)
}

// NewCache creates a cache for the given metadata file and docs directory.
// Nothing is read until the first getter call.
func NewCache(metadataPath, docsDir string, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{metadataPath: metadataPath, docsDir: docsDir, log: log}
}

// CredentialPresent reports whether the metadata file holds a password hash.
func (c *Cache) CredentialPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshMetadataLocked()
	return c.credential
}

// RepositoryName returns the "name" metadata value, or "".
func (c *Cache) RepositoryName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshMetadataLocked()
	return c.name
}

// DocumentCount returns the number of document folders under the docs dir.
func (c *Cache) DocumentCount() int {
	c.mu.Lock()
	n, changed := c.refreshDocsLocked()
	cb := c.OnDocumentCount
	c.mu.Unlock()
	if changed && cb != nil {
		cb(n)
	}
	return n
}

// Invalidate forgets the recorded modification times so the next getter
// re-reads unconditionally.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.metadataMtime = time.Time{}
	c.docsMtime = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refreshMetadataLocked() {
	fi, err := os.Stat(c.metadataPath)
	if err != nil {
		if c.credential || !c.metadataMtime.IsZero() {
			c.log.Warn("metadata unreadable, treating credential as absent",
				"path", c.metadataPath, "error", err)
		}
		c.credential = false
		c.metadataMtime = time.Time{}
		return
	}
	mt := fi.ModTime()
	if !mt.After(c.metadataMtime) {
		return
	}
	f, err := Open(c.metadataPath)
	if err != nil {
		c.log.Warn("metadata read failed, treating credential as absent",
			"path", c.metadataPath, "error", err)
		c.credential = false
		c.metadataMtime = mt
		return
	}
	c.credential = f.Has(KeyPasswordHash)
	c.name, _ = f.Get(KeyName)
	c.metadataMtime = mt
}

func (c *Cache) refreshDocsLocked() (int, bool) {
	fi, err := os.Stat(c.docsDir)
	if err != nil {
		c.log.Debug("docs dir unreadable, keeping document count",
			"path", c.docsDir, "error", err)
		return c.docCount, false
	}
	mt := fi.ModTime()
	if !mt.After(c.docsMtime) {
		return c.docCount, false
	}
	entries, err := os.ReadDir(c.docsDir)
	if err != nil {
		c.log.Warn("docs dir listing failed, keeping document count",
			"path", c.docsDir, "error", err)
		return c.docCount, false
	}
	n := 0
	for _, e := range entries {
		if IsDocID(e.Name()) {
			n++
		}
	}
	c.docsMtime = mt
	if n == c.docCount {
		return n, false
	}
	c.docCount = n
	return n, true
}
