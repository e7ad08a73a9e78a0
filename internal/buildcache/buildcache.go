// Package buildcache persists (node_id, input_hash) -> CacheEntry records
// for the incremental build engine. It is the single owner of on-disk cache
// state; callers (the daemon, in-process tests) get access through the
// Store interface rather than touching the file directly, so the rest of
// the build engine can be tested against an in-memory fake.
package buildcache

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Entry is a single cache record: the result of building node_id with the
// given input_hash.
type Entry struct {
	NodeID            string    `json:"node_id"`
	InputHash         string    `json:"input_hash"`
	OK                bool      `json:"ok"`
	OutputFingerprint string    `json:"output_fingerprint,omitempty"`
	Timestamp         time.Time `json:"timestamp"`

	// Paths lists the File/Dir/Glob-root paths this node declared as
	// inputs, so invalidatePath can maintain its reverse index without
	// re-parsing the build graph.
	Paths []string `json:"paths,omitempty"`

	// DepHashes records the upstream hash this node was built against for
	// each of its declared dependencies, keyed by dependency node id.
	// Node-kind inputs fold the upstream hash into this entry's own
	// InputHash (fingerprint.go), so InputHash alone can't tell "this
	// node's inputs changed" apart from "a dependency changed". DepHashes
	// lets the executor compare dependency-by-dependency instead.
	DepHashes map[string]string `json:"dep_hashes,omitempty"`
}

type key struct {
	nodeID    string
	inputHash string
}

// Store is the contract the daemon implements and the rest of the build
// engine consumes.
type Store interface {
	Get(nodeID, inputHash string) (*Entry, bool)
	// Latest returns the most recently recorded entry for nodeID
	// regardless of its input hash, used to tell a genuine rebuild (prior
	// hash differs) apart from a retry of a previously-failed attempt at
	// the same hash. Get alone can't, since it's keyed by the exact hash
	// being looked up and so never reports "a prior entry exists with a
	// different hash".
	Latest(nodeID string) (*Entry, bool)
	Set(e Entry) error
	InvalidatePath(path string) error
	Clear() error
}

// FileStore is a Store backed by a single append-friendly file per project,
// mirrored into an in-memory map for hot-path reads, with a reverse
// path->node_id index built at load time so InvalidatePath is O(affected
// nodes) rather than O(entries).
type FileStore struct {
	path string

	mu       sync.Mutex
	byKey    map[key]Entry
	byPath   map[string]map[string]bool // path -> set of node ids
	byNode   map[string]Entry           // node id -> most recently Set entry, any hash
	appendFh *os.File
}

// Open loads (or creates) the cache file at path.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		byKey:  make(map[key]Entry),
		byPath: make(map[string]map[string]bool),
		byNode: make(map[string]Entry),
	}
	if err := s.load(); err != nil {
		return nil, xerrors.Errorf("buildcache: load %s: %w", path, err)
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, xerrors.Errorf("buildcache: open %s for append: %w", path, err)
	}
	s.appendFh = fh
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(buf, &e); err != nil {
			return xerrors.Errorf("corrupt cache record: %w", err)
		}
		s.index(e)
	}
	return nil
}

func (s *FileStore) index(e Entry) {
	k := key{nodeID: e.NodeID, inputHash: e.InputHash}
	s.byKey[k] = e
	s.byNode[e.NodeID] = e
	for _, p := range e.Paths {
		if s.byPath[p] == nil {
			s.byPath[p] = make(map[string]bool)
		}
		s.byPath[p][e.NodeID] = true
	}
}

// Get is a pure read.
func (s *FileStore) Get(nodeID, inputHash string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key{nodeID: nodeID, inputHash: inputHash}]
	if !ok {
		return nil, false
	}
	cp := e
	return &cp, true
}

// Latest returns the most recently Set entry for nodeID, independent of
// input hash.
func (s *FileStore) Latest(nodeID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byNode[nodeID]
	if !ok {
		return nil, false
	}
	cp := e
	return &cp, true
}

// Set writes e, superseding any previous entry for (NodeID, InputHash). The
// write is durable (appended + fsynced) before Set returns, so the executor
// never reports a success the cache could forget.
func (s *FileStore) Set(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return xerrors.Errorf("buildcache: marshal entry: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := s.appendFh.Write(lenBuf[:]); err != nil {
		return xerrors.Errorf("buildcache: write length: %w", err)
	}
	if _, err := s.appendFh.Write(b); err != nil {
		return xerrors.Errorf("buildcache: write record: %w", err)
	}
	if err := s.appendFh.Sync(); err != nil {
		return xerrors.Errorf("buildcache: fsync: %w", err)
	}
	s.index(e)
	return nil
}

// InvalidatePath removes every entry whose node declared path among its
// File/Dir/Glob inputs. It is O(affected nodes): the reverse index already
// names exactly which node ids to drop.
func (s *FileStore) InvalidatePath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeIDs := s.byPath[path]
	if len(nodeIDs) == 0 {
		return nil
	}
	for k := range s.byKey {
		if nodeIDs[k.nodeID] {
			delete(s.byKey, k)
		}
	}
	for nodeID := range nodeIDs {
		delete(s.byNode, nodeID)
	}
	delete(s.byPath, path)
	return s.rewrite()
}

// Clear wipes the cache entirely.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[key]Entry)
	s.byPath = make(map[string]map[string]bool)
	s.byNode = make(map[string]Entry)
	return s.rewrite()
}

// rewrite atomically republishes the cache file from the in-memory state,
// then reopens the append handle. Durability is delegated to renameio, the
// same write-temp-then-rename idiom used for every other on-disk artifact
// in this project.
func (s *FileStore) rewrite() error {
	if err := s.appendFh.Close(); err != nil {
		return xerrors.Errorf("buildcache: close append handle: %w", err)
	}

	t, err := renameio.TempFile("", s.path)
	if err != nil {
		return xerrors.Errorf("buildcache: create temp file: %w", err)
	}
	defer t.Cleanup()

	for _, e := range s.byKey {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := t.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := t.Write(b); err != nil {
			return err
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("buildcache: publish: %w", err)
	}

	fh, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.appendFh = fh
	return nil
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendFh.Close()
}

// MemStore is an in-memory Store used by tests that don't need durability.
type MemStore struct {
	mu     sync.Mutex
	byKey  map[key]Entry
	byPath map[string]map[string]bool
	byNode map[string]Entry
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		byKey:  make(map[key]Entry),
		byPath: make(map[string]map[string]bool),
		byNode: make(map[string]Entry),
	}
}

func (m *MemStore) Get(nodeID, inputHash string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[key{nodeID: nodeID, inputHash: inputHash}]
	if !ok {
		return nil, false
	}
	cp := e
	return &cp, true
}

// Latest returns the most recently Set entry for nodeID, independent of
// input hash.
func (m *MemStore) Latest(nodeID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byNode[nodeID]
	if !ok {
		return nil, false
	}
	cp := e
	return &cp, true
}

func (m *MemStore) Set(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key{nodeID: e.NodeID, inputHash: e.InputHash}] = e
	m.byNode[e.NodeID] = e
	for _, p := range e.Paths {
		if m.byPath[p] == nil {
			m.byPath[p] = make(map[string]bool)
		}
		m.byPath[p][e.NodeID] = true
	}
	return nil
}

func (m *MemStore) InvalidatePath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeIDs := m.byPath[path]
	for k := range m.byKey {
		if nodeIDs[k.nodeID] {
			delete(m.byKey, k)
		}
	}
	for nodeID := range nodeIDs {
		delete(m.byNode, nodeID)
	}
	delete(m.byPath, path)
	return nil
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey = make(map[key]Entry)
	m.byPath = make(map[string]map[string]bool)
	m.byNode = make(map[string]Entry)
	return nil
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemStore)(nil)
