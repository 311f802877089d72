package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Version is the current snapshot format.
const Version = 1

var (
	// ErrNotFound means no snapshot is stored under the id.
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalid means a decoded snapshot fails validation.
	ErrInvalid = errors.New("invalid snapshot")
)

// Entry is one history position.
type Entry struct {
	Context string `json:"context"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
}

// Snapshot is a portable copy of one tab's history.
type Snapshot struct {
	Version   int           `json:"version"`
	ID        id.SnapshotID `json:"id"`
	TopLevel  string        `json:"top_level"`
	Index     int           `json:"index"`
	Entries   []Entry       `json:"entries"`
	CreatedAt time.Time     `json:"created_at"`
}

// Current returns the entry under the cursor.
func (s *Snapshot) Current() Entry {
	return s.Entries[s.Index]
}

// Validate checks the cursor and version.
func (s *Snapshot) Validate() error {
	if s.Version != Version {
		return fmt.Errorf("%w: version %d", ErrInvalid, s.Version)
	}
	if len(s.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalid)
	}
	if s.Index < 0 || s.Index >= len(s.Entries) {
		return fmt.Errorf("%w: index %d of %d", ErrInvalid, s.Index, len(s.Entries))
	}
	return nil
}

// FromEntries builds a snapshot of a tab's history.
func FromEntries(top id.TopLevelID, entries []message.HistoryEntry, index int) *Snapshot {
	s := &Snapshot{
		Version:   Version,
		ID:        id.NewSnapshotID(),
		TopLevel:  top.String(),
		Index:     index,
		Entries:   make([]Entry, 0, len(entries)),
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range entries {
		s.Entries = append(s.Entries, Entry{Context: e.Context.String(), URL: e.URL, Title: e.Title})
	}
	return s
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Encode marshals and compresses s.
func Encode(s *Snapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	raw, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	return enc.EncodeAll(raw, nil), nil
}

// Decode decompresses and unmarshals data.
func Decode(data []byte) (*Snapshot, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Store caches encoded snapshots in memory.
type Store struct {
	snapshots sync.Map
	mu        sync.RWMutex
	lastSaved *time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Save stores data under snapshotID.
func (s *Store) Save(snapshotID id.SnapshotID, data []byte) {
	s.snapshots.Store(snapshotID, data)

	now := time.Now()
	s.mu.Lock()
	s.lastSaved = &now
	s.mu.Unlock()
}

// Load decodes the snapshot stored under snapshotID.
func (s *Store) Load(snapshotID id.SnapshotID) (*Snapshot, error) {
	data, ok := s.snapshots.Load(snapshotID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	return Decode(data.([]byte))
}

// Raw returns the encoded bytes stored under snapshotID.
func (s *Store) Raw(snapshotID id.SnapshotID) ([]byte, bool) {
	data, ok := s.snapshots.Load(snapshotID)
	if !ok {
		return nil, false
	}
	return data.([]byte), true
}

// LastSaved returns when the last snapshot was stored.
func (s *Store) LastSaved() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSaved == nil {
		return time.Time{}, false
	}
	return *s.lastSaved, true
}
