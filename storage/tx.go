package storage

import (
	"iter"
	"maps"
)

// Tx stages writes inside Store.Update. Reads through a Tx see its own staged
// writes on top of the snapshot the transaction started from.
type Tx struct {
	base    *Snapshot
	records map[Kind]map[string]Record
	puts    map[string]Record
	deletes map[string]struct{}
}

func newTx(base *Snapshot) *Tx {
	records := make(map[Kind]map[string]Record, len(Kinds))
	for _, kind := range Kinds {
		records[kind] = maps.Clone(base.records[kind])
		if records[kind] == nil {
			records[kind] = make(map[string]Record)
		}
	}
	return &Tx{
		base:    base,
		records: records,
		puts:    make(map[string]Record),
		deletes: make(map[string]struct{}),
	}
}

// Base returns the snapshot the transaction started from.
func (tx *Tx) Base() *Snapshot {
	return tx.base
}

// Snapshot returns the current view including staged writes.
func (tx *Tx) Snapshot() *Snapshot {
	current := make(map[Kind]map[string]Record, len(tx.records))
	for kind, m := range tx.records {
		current[kind] = maps.Clone(m)
	}
	return newSnapshot(current)
}

// Upsert stages records, replacing any with the same natural key.
// Records are validated at commit.
func (tx *Tx) Upsert(records ...Record) {
	for _, r := range records {
		if r == nil {
			continue
		}
		key := r.NaturalKey()
		c := r.clone()
		tx.records[r.Kind()][key] = c
		tx.puts[key] = c
		delete(tx.deletes, key)
	}
}

// Delete stages the removal of natural keys and reports how many existed.
// Keys that are not visible in the transaction are ignored.
func (tx *Tx) Delete(keys ...string) int {
	n := 0
	for _, key := range keys {
		kind, ok := KindOfKey(key)
		if !ok {
			continue
		}
		if _, exists := tx.records[kind][key]; !exists {
			continue
		}
		n++
		delete(tx.records[kind], key)
		delete(tx.puts, key)
		tx.deletes[key] = struct{}{}
	}
	return n
}

func removeWhere[T Record](tx *Tx, kind Kind, pred func(T) bool) int {
	var keys []string
	for key, r := range tx.records[kind] {
		if pred == nil || pred(r.(T)) {
			keys = append(keys, key)
		}
	}
	return tx.Delete(keys...)
}

// RemoveAccessTokens stages removal of matching access tokens.
// A nil predicate matches everything.
func (tx *Tx) RemoveAccessTokens(pred func(*AccessToken) bool) int {
	return removeWhere(tx, KindAccessToken, pred)
}

// RemoveRefreshTokens stages removal of matching refresh tokens.
func (tx *Tx) RemoveRefreshTokens(pred func(*RefreshToken) bool) int {
	return removeWhere(tx, KindRefreshToken, pred)
}

// RemoveIDTokens stages removal of matching ID tokens.
func (tx *Tx) RemoveIDTokens(pred func(*IDToken) bool) int {
	return removeWhere(tx, KindIDToken, pred)
}

// RemoveAccounts stages removal of matching accounts.
func (tx *Tx) RemoveAccounts(pred func(*Account) bool) int {
	return removeWhere(tx, KindAccount, pred)
}

// RemoveAppMetadata stages removal of matching app metadata.
func (tx *Tx) RemoveAppMetadata(pred func(*AppMetadata) bool) int {
	return removeWhere(tx, KindAppMetadata, pred)
}

// Clear stages removal of every record.
func (tx *Tx) Clear() int {
	n := 0
	for _, kind := range Kinds {
		n += removeWhere[Record](tx, kind, nil)
	}
	return n
}

// AccessTokens yields the access tokens currently visible in the transaction.
func (tx *Tx) AccessTokens() iter.Seq[*AccessToken] {
	return func(yield func(*AccessToken) bool) {
		for _, r := range tx.records[KindAccessToken] {
			if !yield(r.(*AccessToken)) {
				return
			}
		}
	}
}

// RefreshTokens yields the refresh tokens currently visible in the transaction.
func (tx *Tx) RefreshTokens() iter.Seq[*RefreshToken] {
	return func(yield func(*RefreshToken) bool) {
		for _, r := range tx.records[KindRefreshToken] {
			if !yield(r.(*RefreshToken)) {
				return
			}
		}
	}
}

// Get returns the record visible under natural key.
func (tx *Tx) Get(key string) (Record, bool) {
	kind, ok := KindOfKey(key)
	if !ok {
		return nil, false
	}
	r, ok := tx.records[kind][key]
	return r, ok
}

func (tx *Tx) empty() bool {
	return len(tx.puts) == 0 && len(tx.deletes) == 0
}
