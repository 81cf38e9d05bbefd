package storage

import (
	"iter"
	"maps"
	"slices"
)

// Snapshot is an immutable, decoded view of every record in a store.
//
// Records yielded by a Snapshot are shared and must not be modified; use the
// Store Find methods for copies.
type Snapshot struct {
	records map[Kind]map[string]Record
	keys    map[Kind][]string
}

func newSnapshot(records map[Kind]map[string]Record) *Snapshot {
	s := &Snapshot{
		records: records,
		keys:    make(map[Kind][]string, len(records)),
	}
	for kind, m := range records {
		s.keys[kind] = slices.Sorted(maps.Keys(m))
	}
	return s
}

// EmptySnapshot returns a snapshot with no records.
func EmptySnapshot() *Snapshot {
	return newSnapshot(map[Kind]map[string]Record{})
}

// Len returns the number of records of kind.
func (s *Snapshot) Len(kind Kind) int {
	return len(s.records[kind])
}

// Counts returns the number of records per kind.
func (s *Snapshot) Counts() map[string]int64 {
	out := make(map[string]int64, len(Kinds))
	for _, k := range Kinds {
		out[string(k)] = int64(len(s.records[k]))
	}
	return out
}

// Get returns the record stored under natural key.
func (s *Snapshot) Get(key string) (Record, bool) {
	kind, ok := KindOfKey(key)
	if !ok {
		return nil, false
	}
	r, ok := s.records[kind][key]
	return r, ok
}

func each[T Record](s *Snapshot, kind Kind) iter.Seq[T] {
	return func(yield func(T) bool) {
		m := s.records[kind]
		for _, key := range s.keys[kind] {
			if !yield(m[key].(T)) {
				return
			}
		}
	}
}

// AccessTokens yields access tokens in natural key order.
func (s *Snapshot) AccessTokens() iter.Seq[*AccessToken] {
	return each[*AccessToken](s, KindAccessToken)
}

// RefreshTokens yields refresh tokens in natural key order.
func (s *Snapshot) RefreshTokens() iter.Seq[*RefreshToken] {
	return each[*RefreshToken](s, KindRefreshToken)
}

// IDTokens yields ID tokens in natural key order.
func (s *Snapshot) IDTokens() iter.Seq[*IDToken] {
	return each[*IDToken](s, KindIDToken)
}

// Accounts yields accounts in natural key order.
func (s *Snapshot) Accounts() iter.Seq[*Account] {
	return each[*Account](s, KindAccount)
}

// AppMetadata yields app metadata in natural key order.
func (s *Snapshot) AppMetadata() iter.Seq[*AppMetadata] {
	return each[*AppMetadata](s, KindAppMetadata)
}

// AppMetadataFor returns the metadata of clientID in environment, if known.
func (s *Snapshot) AppMetadataFor(clientID, environment string) (*AppMetadata, bool) {
	key := (&AppMetadata{ClientID: clientID, Environment: environment}).NaturalKey()
	r, ok := s.records[KindAppMetadata][key]
	if !ok {
		return nil, false
	}
	return r.(*AppMetadata), true
}
