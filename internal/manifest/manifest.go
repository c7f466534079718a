package manifest

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Manifest is the in-memory file list. It is safe for concurrent use.
type Manifest struct {
	mu    sync.RWMutex
	files []EncryptedFileReference
}

// New creates a manifest holding files.
func New(files ...EncryptedFileReference) *Manifest {
	m := &Manifest{}
	for _, f := range files {
		m.Upsert(f)
	}
	return m
}

// Upsert adds ref, replacing any entry with the same relative path. It
// reports whether an entry was replaced.
func (m *Manifest) Upsert(ref EncryptedFileReference) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, idx, found := lo.FindIndexOf(m.files, func(f EncryptedFileReference) bool {
		return f.RelativePath == ref.RelativePath
	})
	if found {
		m.files[idx] = ref
		return true
	}
	m.files = append(m.files, ref)
	return false
}

// Remove deletes the entry with the given uuid and returns it.
func (m *Manifest) Remove(uuid string) (EncryptedFileReference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, idx, found := lo.FindIndexOf(m.files, func(f EncryptedFileReference) bool {
		return f.UUID == uuid
	})
	if !found {
		return EncryptedFileReference{}, false
	}
	m.files = slices.Delete(m.files, idx, idx+1)
	return ref, true
}

// Find looks an entry up by uuid.
func (m *Manifest) Find(uuid string) (EncryptedFileReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Find(m.files, func(f EncryptedFileReference) bool {
		return f.UUID == uuid
	})
}

// Files returns a copy of the entries in insertion order.
func (m *Manifest) Files() []EncryptedFileReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.files)
}

// Replace swaps the whole file list, used when loading a remote manifest.
func (m *Manifest) Replace(files []EncryptedFileReference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = slices.Clone(files)
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// IsEmpty reports whether the manifest has no entries.
func (m *Manifest) IsEmpty() bool { return m.Len() == 0 }
