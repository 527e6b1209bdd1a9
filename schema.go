package kitedb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/snapshot"
)

// schemaRegistry holds the three bijective name<->id token tables the graph
// uses for labels, edge types and property keys. Every id is assigned once,
// on first use, and durably recorded as a DefineLabel/DefineEtype/
// DefinePropKey WAL record so recovery and replica replay reconstruct the
// same mapping without renegotiating it (§4.7).
type schemaRegistry struct {
	mu sync.RWMutex

	labels   *tokenTable
	etypes   *tokenTable
	propKeys *tokenTable
}

// tokenTable maps one kind of schemaRegistry token in both directions,
// name->id and id->name.
type tokenTable struct {
	byName map[string]uint32
	byID   map[uint32]string
	nextID uint32
}

func newTokenTable() *tokenTable {
	return &tokenTable{byName: make(map[string]uint32), byID: make(map[uint32]string)}
}

// lookup returns the id for name if already assigned.
func (t *tokenTable) lookup(name string) (uint32, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// allocate assigns the next unused id to name. Caller must already hold
// the registry's write lock and have checked lookup returned false.
func (t *tokenTable) allocate(name string) uint32 {
	t.nextID++
	id := t.nextID
	t.byName[name] = id
	t.byID[id] = name
	return id
}

// adopt installs an id<->name pair recovered from the WAL or a checkpoint,
// advancing nextID so future allocate calls never collide with it.
func (t *tokenTable) adopt(id uint32, name string) {
	t.byName[name] = id
	t.byID[id] = name
	if id > t.nextID {
		t.nextID = id
	}
}

func (t *tokenTable) name(id uint32) (string, bool) {
	name, ok := t.byID[id]
	return name, ok
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{
		labels:   newTokenTable(),
		etypes:   newTokenTable(),
		propKeys: newTokenTable(),
	}
}

// loadFromImage seeds the registry from a checkpoint's schema section,
// read back at Open time before any WAL replay runs.
func (s *schemaRegistry) loadFromImage(names snapshot.SchemaNames) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, name := range names.Labels {
		s.labels.adopt(uint32(id), name)
	}
	for id, name := range names.Etypes {
		s.etypes.adopt(uint32(id), name)
	}
	for id, name := range names.PropKeys {
		s.propKeys.adopt(uint32(id), name)
	}
}

// snapshotNames projects the registry back into a snapshot.SchemaNames for
// the next checkpoint write.
func (s *schemaRegistry) snapshotNames() snapshot.SchemaNames {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := snapshot.SchemaNames{
		Labels:   make(map[graph.LabelID]string, len(s.labels.byID)),
		Etypes:   make(map[graph.ETypeID]string, len(s.etypes.byID)),
		PropKeys: make(map[graph.PropKeyID]string, len(s.propKeys.byID)),
	}
	for id, name := range s.labels.byID {
		out.Labels[graph.LabelID(id)] = name
	}
	for id, name := range s.etypes.byID {
		out.Etypes[graph.ETypeID(id)] = name
	}
	for id, name := range s.propKeys.byID {
		out.PropKeys[graph.PropKeyID(id)] = name
	}
	return out
}

func (s *schemaRegistry) labelID(name string) (graph.LabelID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.labels.lookup(name)
	return graph.LabelID(id), ok
}

func (s *schemaRegistry) etypeID(name string) (graph.ETypeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.etypes.lookup(name)
	return graph.ETypeID(id), ok
}

func (s *schemaRegistry) propKeyID(name string) (graph.PropKeyID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.propKeys.lookup(name)
	return graph.PropKeyID(id), ok
}

func (s *schemaRegistry) labelName(id graph.LabelID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels.name(uint32(id))
}

func (s *schemaRegistry) etypeName(id graph.ETypeID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.etypes.name(uint32(id))
}

func (s *schemaRegistry) propKeyName(id graph.PropKeyID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.propKeys.name(uint32(id))
}

// allocateLabel assigns the next unused id to name. It does not check
// whether name is already defined: its caller, Txn.DefineLabel, looks the
// name up first. WAL replay installs recorded ids through adoptLabel
// instead.
func (s *schemaRegistry) allocateLabel(name string) graph.LabelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return graph.LabelID(s.labels.allocate(name))
}

func (s *schemaRegistry) allocateEtype(name string) graph.ETypeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return graph.ETypeID(s.etypes.allocate(name))
}

func (s *schemaRegistry) allocatePropKey(name string) graph.PropKeyID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return graph.PropKeyID(s.propKeys.allocate(name))
}

func (s *schemaRegistry) adoptLabel(id graph.LabelID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels.adopt(uint32(id), name)
}

func (s *schemaRegistry) adoptEtype(id graph.ETypeID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etypes.adopt(uint32(id), name)
}

func (s *schemaRegistry) adoptPropKey(id graph.PropKeyID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propKeys.adopt(uint32(id), name)
}

var errUnknownToken = errors.New("kitedb: unknown schema token")
