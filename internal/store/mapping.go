// Package store holds the router's durable fingerprint→backend mapping and
// its short-TTL negative (failure) cache.
package store

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sshagentmux/sshagentmux/internal/core"
	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// Mapping is the in-memory fingerprint→backend map plus cached identity
// records, persisted through a core.Store after every mutation.
type Mapping struct {
	mu     sync.Mutex
	doc    *core.Document
	file   *core.Store
	logger *slog.Logger

	fpToBackend map[string]string
}

// New wraps doc (already loaded) and file (where it is persisted),
// deriving the in-memory fingerprint→backend map from doc's key mappings.
func New(doc *core.Document, file *core.Store, logger *slog.Logger) *Mapping {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mapping{
		doc:         doc,
		file:        file,
		logger:      logger,
		fpToBackend: make(map[string]string, len(doc.KeyMappings)),
	}
	for _, rec := range doc.KeyMappings {
		m.fpToBackend[rec.Fingerprint] = rec.Agent
	}
	return m
}

// Get returns the backend a fingerprint is mapped to, if any.
func (m *Mapping) Get(fingerprint string) (backend string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	backend, ok = m.fpToBackend[fingerprint]
	return backend, ok
}

// BackendCount returns how many distinct backends appear across all
// persisted mappings — used at startup to decide whether a cold scan can be
// skipped.
func (m *Mapping) BackendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, b := range m.fpToBackend {
		seen[b] = true
	}
	return len(seen)
}

// Put records that fingerprint routes to backend, optionally caching its
// public-key blob and comment, then persists the updated document. If the
// existing record already names backend and already has a cached blob, the
// write is skipped. Persistence failures are returned to the caller but
// the in-memory map is updated regardless — the router logs and
// continues rather than treating this as fatal.
func (m *Mapping) Put(fingerprint, backend string, blob []byte, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rec := range m.doc.KeyMappings {
		if rec.Fingerprint != fingerprint {
			continue
		}
		if rec.Agent == backend && rec.KeyBlob != "" {
			return nil
		}
		m.doc.KeyMappings[i] = m.buildRecord(fingerprint, backend, blob, comment, rec)
		m.fpToBackend[fingerprint] = backend
		return m.persist()
	}

	m.doc.KeyMappings = append(m.doc.KeyMappings, m.buildRecord(fingerprint, backend, blob, comment, core.KeyMappingRecord{}))
	m.fpToBackend[fingerprint] = backend
	return m.persist()
}

func (m *Mapping) buildRecord(fingerprint, backend string, blob []byte, comment string, existing core.KeyMappingRecord) core.KeyMappingRecord {
	rec := core.KeyMappingRecord{
		Fingerprint: fingerprint,
		Agent:       backend,
		Comment:     existing.Comment,
		KeyBlob:     existing.KeyBlob,
	}
	if comment != "" {
		rec.Comment = comment
	}
	if len(blob) > 0 {
		rec.KeyBlob = base64.StdEncoding.EncodeToString(blob)
		m.logKeyType(fingerprint, blob)
	}
	return rec
}

// logKeyType parses blob with golang.org/x/crypto/ssh purely to attach a
// human-readable algorithm name to the log line; a parse failure is
// swallowed since the blob stays opaque to routing decisions.
func (m *Mapping) logKeyType(fingerprint string, blob []byte) {
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		m.logger.Debug("caching identity", "fingerprint", fingerprint)
		return
	}
	m.logger.Debug("caching identity", "fingerprint", fingerprint, "key_type", pub.Type())
}

func (m *Mapping) persist() error {
	if m.file == nil {
		return nil
	}
	if err := m.file.Save(m.doc); err != nil {
		m.logger.Warn("failed to persist key mapping", "error", err)
		return fmt.Errorf("store: persisting mapping: %w", err)
	}
	return nil
}

// CachedIdentities returns the merged identity list seedable from disk at
// startup without any backend I/O: every persisted record whose key blob
// decodes from base64, in original insertion order. Records with no cached
// blob are skipped; a blob that fails to decode is dropped with a warning
// log.
func (m *Mapping) CachedIdentities() []wire.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	identities := make([]wire.Identity, 0, len(m.doc.KeyMappings))
	for _, rec := range m.doc.KeyMappings {
		if rec.KeyBlob == "" {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(rec.KeyBlob)
		if err != nil {
			m.logger.Warn("dropping key mapping with undecodable cached blob", "fingerprint", rec.Fingerprint, "error", err)
			continue
		}
		identities = append(identities, wire.Identity{Blob: blob, Comment: rec.Comment})
	}
	return identities
}

// Document exposes the shared, mutex-less underlying document for
// read-mostly collaborators (agent specs, host hints, TTLs). Callers must
// not mutate KeyMappings directly; use Put.
func (m *Mapping) Document() *core.Document {
	return m.doc
}
