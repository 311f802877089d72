// Package id provides the identifier types shared by the orchestrator and its
// collaborators.
//
// Two families of identifiers live here:
//   - Namespaced counters: PipelineID, BrowsingContextID, TopLevelID and
//     TimerHandle. Each is a (namespace, index) pair minted by an Allocator.
//     A namespace belongs to exactly one minting party (the orchestrator or
//     one content event loop), so ids minted in different processes never
//     collide and no process-wide counter exists.
//   - ULIDs: lexicographically sortable random ids for things that leave the
//     process, such as session history snapshots.
//
// Design Principles:
//   - Counters are values owned by their minting party, never globals
//   - Zero values mean "none" and are never minted
//   - Text form "ns:index" round-trips through MarshalText/UnmarshalText
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Namespaced Identifiers
// ============================================================================

// Namespace identifies the party that minted an id.
type Namespace uint32

// RootNamespace is the namespace owned by the orchestrator itself.
const RootNamespace Namespace = 1

// PipelineID identifies one document's rendering pipeline.
type PipelineID struct {
	Namespace Namespace
	Index     uint32
}

// BrowsingContextID identifies a navigable (tab or frame).
type BrowsingContextID struct {
	Namespace Namespace
	Index     uint32
}

// TopLevelID identifies the root navigable of a tab. Its value is the id of
// the root BrowsingContext.
type TopLevelID BrowsingContextID

// TimerHandle identifies one scheduled timer. Content event loops mint handles
// in their own namespace so that setTimeout can return synchronously.
type TimerHandle struct {
	Namespace Namespace
	Index     uint32
}

// Generation tags one navigation attempt of a browsing context.
type Generation uint64

func (p PipelineID) String() string        { return "pipeline(" + pair(p.Namespace, p.Index) + ")" }
func (b BrowsingContextID) String() string { return "context(" + pair(b.Namespace, b.Index) + ")" }
func (t TopLevelID) String() string        { return "toplevel(" + pair(t.Namespace, t.Index) + ")" }
func (h TimerHandle) String() string       { return "timer(" + pair(h.Namespace, h.Index) + ")" }

// IsZero reports whether p is the "no pipeline" value.
func (p PipelineID) IsZero() bool { return p.Index == 0 }

// IsZero reports whether b is the "no context" value.
func (b BrowsingContextID) IsZero() bool { return b.Index == 0 }

// IsZero reports whether t is the "no tab" value.
func (t TopLevelID) IsZero() bool { return t.Index == 0 }

// IsZero reports whether h is the "no timer" value.
func (h TimerHandle) IsZero() bool { return h.Index == 0 }

// Context returns the id of the tab's root browsing context.
func (t TopLevelID) Context() BrowsingContextID { return BrowsingContextID(t) }

func pair(ns Namespace, idx uint32) string {
	return strconv.FormatUint(uint64(ns), 10) + ":" + strconv.FormatUint(uint64(idx), 10)
}

func parsePair(text string) (Namespace, uint32, error) {
	nsPart, idxPart, ok := strings.Cut(text, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid id %q: expected ns:index", text)
	}
	ns, err := strconv.ParseUint(nsPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id namespace %q: %w", nsPart, err)
	}
	idx, err := strconv.ParseUint(idxPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id index %q: %w", idxPart, err)
	}
	return Namespace(ns), uint32(idx), nil
}

// MarshalText encodes the id as "ns:index".
func (p PipelineID) MarshalText() ([]byte, error) { return []byte(pair(p.Namespace, p.Index)), nil }

// UnmarshalText decodes an "ns:index" id.
func (p *PipelineID) UnmarshalText(text []byte) error {
	ns, idx, err := parsePair(string(text))
	if err != nil {
		return err
	}
	*p = PipelineID{Namespace: ns, Index: idx}
	return nil
}

// MarshalText encodes the id as "ns:index".
func (b BrowsingContextID) MarshalText() ([]byte, error) {
	return []byte(pair(b.Namespace, b.Index)), nil
}

// UnmarshalText decodes an "ns:index" id.
func (b *BrowsingContextID) UnmarshalText(text []byte) error {
	ns, idx, err := parsePair(string(text))
	if err != nil {
		return err
	}
	*b = BrowsingContextID{Namespace: ns, Index: idx}
	return nil
}

// MarshalText encodes the id as "ns:index".
func (t TopLevelID) MarshalText() ([]byte, error) { return []byte(pair(t.Namespace, t.Index)), nil }

// UnmarshalText decodes an "ns:index" id.
func (t *TopLevelID) UnmarshalText(text []byte) error {
	ns, idx, err := parsePair(string(text))
	if err != nil {
		return err
	}
	*t = TopLevelID{Namespace: ns, Index: idx}
	return nil
}

// ParseTopLevel parses the "ns:index" form of a tab id.
func ParseTopLevel(s string) (TopLevelID, error) {
	var t TopLevelID
	err := t.UnmarshalText([]byte(s))
	return t, err
}

// ParseBrowsingContext parses the "ns:index" form of a context id.
func ParseBrowsingContext(s string) (BrowsingContextID, error) {
	var b BrowsingContextID
	err := b.UnmarshalText([]byte(s))
	return b, err
}

// ============================================================================
// Allocators
// ============================================================================

// Allocator mints ids inside a single namespace. It is a plain value owned by
// one goroutine and is not safe for concurrent use.
type Allocator struct {
	ns   Namespace
	next uint32
}

// NewAllocator creates an allocator for ns.
func NewAllocator(ns Namespace) *Allocator {
	return &Allocator{ns: ns}
}

// Namespace returns the namespace ids are minted in.
func (a *Allocator) Namespace() Namespace { return a.ns }

func (a *Allocator) index() uint32 {
	a.next++
	return a.next
}

// Pipeline mints a new pipeline id.
func (a *Allocator) Pipeline() PipelineID {
	return PipelineID{Namespace: a.ns, Index: a.index()}
}

// BrowsingContext mints a new browsing context id.
func (a *Allocator) BrowsingContext() BrowsingContextID {
	return BrowsingContextID{Namespace: a.ns, Index: a.index()}
}

// TopLevel mints a new tab id.
func (a *Allocator) TopLevel() TopLevelID {
	return TopLevelID(a.BrowsingContext())
}

// Timer mints a new timer handle.
func (a *Allocator) Timer() TimerHandle {
	return TimerHandle{Namespace: a.ns, Index: a.index()}
}

// Namespaces hands out fresh namespaces, one per content event loop. The
// orchestrator owns one instance; RootNamespace is never handed out.
type Namespaces struct {
	last Namespace
}

// NewNamespaces returns a source whose first namespace follows RootNamespace.
func NewNamespaces() *Namespaces {
	return &Namespaces{last: RootNamespace}
}

// Next returns an unused namespace.
func (n *Namespaces) Next() Namespace {
	n.last++
	return n.last
}

// ============================================================================
// ULID Generator
// ============================================================================

// SnapshotID identifies a serialized session history snapshot.
type SnapshotID string

// RequestID identifies an embedder prompt or network request.
type RequestID string

const (
	SnapshotPrefix = "snap"
	RequestPrefix  = "req"
)

func (s SnapshotID) String() string { return string(s) }
func (r RequestID) String() string  { return string(r) }

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests use it with deterministic readers.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return prefix + "_" + g.Generate().String()
}

// NewSnapshotID generates a new snapshot id
func NewSnapshotID() SnapshotID {
	return SnapshotID(Default().GenerateWithPrefix(SnapshotPrefix))
}

// NewRequestID generates a new request id
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// IsValid checks if a string is a valid ULID
func IsValid(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed or bare ULID.
func Timestamp(s string) (time.Time, error) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
