package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Default values applied when a persisted document omits the field.
const (
	DefaultProxyPipeName   = "ssh-agent-proxy"
	DefaultBackendPipeName = "openssh-ssh-agent"
	DefaultFailureCacheTTL = 60
	DefaultSelectionTimeout = 30
)

// AgentConfig is one entry of the "agents" map: a backend's process name,
// executable path, and selection priority.
type AgentConfig struct {
	ProcessName string `json:"processName"`
	ExePath     string `json:"exePath"`
	Priority    int    `json:"priority"`
}

// KeyMappingRecord is one entry of the "keyMappings" list.
type KeyMappingRecord struct {
	Fingerprint string `json:"fingerprint"`
	KeyBlob     string `json:"keyBlob,omitempty"` // base64
	Comment     string `json:"comment,omitempty"`
	Agent       string `json:"agent"`
}

// HostKeyMappingRecord is one entry of the "hostKeyMappings" list.
type HostKeyMappingRecord struct {
	Pattern     string `json:"pattern"`
	Fingerprint string `json:"fingerprint"`
	Description string `json:"description,omitempty"`
}

// Document is the full persisted configuration. Unrecognized top-level
// keys are preserved round-trip through the extra field, merged back in
// on Save.
type Document struct {
	ProxyPipeName           string                         `json:"proxyPipeName"`
	BackendPipeName         string                         `json:"backendPipeName"`
	Agents                  map[string]AgentConfig         `json:"agents"`
	DefaultAgent            string                         `json:"defaultAgent"`
	KeyMappings             []KeyMappingRecord             `json:"keyMappings"`
	HostKeyMappings         []HostKeyMappingRecord         `json:"hostKeyMappings"`
	FailureCacheTTLSeconds  int                            `json:"failureCacheTtlSeconds"`
	KeySelectionTimeoutSecs int                            `json:"keySelectionTimeoutSeconds"`

	extra map[string]json.RawMessage
}

// recognizedKeys lists the JSON object keys Document itself owns; anything
// else encountered on load is stashed in extra and re-emitted on save.
var recognizedKeys = map[string]bool{
	"proxyPipeName": true, "backendPipeName": true, "agents": true,
	"defaultAgent": true, "keyMappings": true, "hostKeyMappings": true,
	"failureCacheTtlSeconds": true, "keySelectionTimeoutSeconds": true,
}

// NewDocument returns a Document populated with spec defaults and no
// configured agents; callers add agents before first use.
func NewDocument() *Document {
	return &Document{
		ProxyPipeName:           DefaultProxyPipeName,
		BackendPipeName:         DefaultBackendPipeName,
		Agents:                  map[string]AgentConfig{},
		FailureCacheTTLSeconds:  DefaultFailureCacheTTL,
		KeySelectionTimeoutSecs: DefaultSelectionTimeout,
		extra:                   map[string]json.RawMessage{},
	}
}

// UnmarshalJSON decodes the recognized fields via the usual struct tags and
// stashes everything else in extra, so a later Save round-trips fields this
// binary doesn't know about.
func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	aux := (*alias)(d)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !recognizedKeys[k] {
			d.extra[k] = v
		}
	}
	if d.Agents == nil {
		d.Agents = map[string]AgentConfig{}
	}
	return nil
}

// MarshalJSON emits the recognized fields plus whatever was stashed in
// extra at load time.
func (d *Document) MarshalJSON() ([]byte, error) {
	type alias Document
	known, err := json.Marshal((*alias)(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Store reads and atomically persists a Document at a fixed filesystem
// path, serializing concurrent Save calls.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store rooted at path, the file containing the JSON
// document. Save creates the directory if it does not exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the document at Store's path. A missing file is not an error:
// it returns a fresh default Document so first-run startup proceeds.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("core: reading config %s: %w", s.path, err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("core: parsing config %s: %w", s.path, err)
	}
	return doc, nil
}

// ErrPersistence wraps any failure writing the configuration file.
// Persistence failures are logged and best-effort: callers keep
// in-memory state authoritative and still return success to their own
// caller, but Save itself reports the failure so the caller can log it.
var ErrPersistence = fmt.Errorf("core: persistence failure")

// Save atomically writes doc to Store's path: marshal, write to a temp
// sibling file, then rename over the target so a crash mid-write never
// leaves a corrupt document.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling document: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating config dir: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: renaming into place: %v", ErrPersistence, err)
	}
	return nil
}

// Equal reports whether two documents serialize identically.
func (d *Document) Equal(other *Document) bool {
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
