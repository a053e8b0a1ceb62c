package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Well-known keys in a repository's overhead/metadata.txt.
const (
	KeyPasswordHash = "password-hash"
	KeyName         = "name"
)

// File is an in-memory copy of a header-style metadata file.
//
// The on-disk format is one "key: value" per line. Keys are case-insensitive
// and stored lowercase. A line starting with whitespace continues the previous
// value. Blank lines are ignored; a line starting with a form feed ends the
// record.
type File struct {
	path  string
	mu    sync.Mutex
	keys  []string
	data  map[string]string
	dirty bool
}

// Open reads the metadata file at path.
func Open(path string) (*File, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	f := &File{path: clean, data: make(map[string]string)}
	if err := f.parse(b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", clean, err)
	}
	return f, nil
}

// Parse decodes metadata content that is not backed by a file. Save on the
// returned File fails.
func Parse(b []byte) (*File, error) {
	f := &File{data: make(map[string]string)}
	if err := f.parse(b); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parse(b []byte) error {
	var curKey, curVal string
	flush := func() {
		if curKey == "" {
			return
		}
		f.set(curKey, curVal)
		curKey, curVal = "", ""
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "\f") {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if curKey != "" {
				curVal = curVal + " " + strings.TrimSpace(line)
				continue
			}
			line = strings.TrimSpace(line)
		}
		flush()
		i := strings.IndexByte(line, ':')
		if i < 1 {
			return fmt.Errorf("invalid line in metadata file: %q", line)
		}
		curKey = strings.ToLower(strings.TrimSpace(line[:i]))
		curVal = strings.TrimSpace(line[i+1:])
	}
	if err := sc.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

func (f *File) set(k, v string) {
	if _, ok := f.data[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.data[k] = v
}

// Path returns the backing file path, empty for parsed content.
func (f *File) Path() string { return f.path }

// Get returns the value for key and whether it is present.
func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is present.
func (f *File) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Set stores value under key.
func (f *File) Set(key, value string) {
	f.mu.Lock()
	f.set(strings.ToLower(key), value)
	f.dirty = true
	f.mu.Unlock()
}

// Remove deletes key and reports whether it was present.
func (f *File) Remove(key string) bool {
	k := strings.ToLower(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[k]; !ok {
		return false
	}
	delete(f.data, k)
	for i, kk := range f.keys {
		if kk == k {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	f.dirty = true
	return true
}

// Keys returns the keys in file order.
func (f *File) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// Bytes encodes the current content.
func (f *File) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for _, k := range f.keys {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(f.data[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Save writes the file back if it was modified. The write happens under an
// exclusive lock on "<path>.lock" and replaces the file atomically.
func (f *File) Save() error {
	if f.path == "" {
		return fmt.Errorf("metadata has no backing file")
	}
	f.mu.Lock()
	dirty := f.dirty
	f.mu.Unlock()
	if !dirty {
		return nil
	}
	lk, err := lock(f.path)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Unlock() }()
	return f.write()
}

// lock takes the exclusive "<path>.lock" lock shared by every writer.
func lock(path string) (*flock.Flock, error) {
	lk := flock.New(path + ".lock")
	if err := lk.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return lk, nil
}

// write replaces the file with the current contents. The caller holds the
// lock.
func (f *File) write() error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(f.path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".metadata-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(f.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
	return nil
}

// RemoveKey removes key from the file at path and saves it, holding the
// "<path>.lock" lock from the read through the rename. Returns whether the
// key was present.
func RemoveKey(path, key string) (bool, error) {
	clean := filepath.Clean(path)
	lk, err := lock(clean)
	if err != nil {
		return false, err
	}
	defer func() { _ = lk.Unlock() }()
	f, err := Open(clean)
	if err != nil {
		return false, err
	}
	if !f.Remove(key) {
		return false, nil
	}
	return true, f.write()
}
