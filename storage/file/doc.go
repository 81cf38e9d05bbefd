// Package file provides a storage.Backend backed by a single JSON file that
// several processes may share.
//
// Every operation holds a lock on a sibling ".lock" file through
// github.com/gofrs/flock: shared for reads, exclusive for writes. Writes go
// to a temporary file in the same directory which is then renamed over the
// cache file, so a reader never observes a partial write. The cache file is
// created with mode 0600 and its directory with 0700.
//
// An unreadable cache file is treated as empty and replaced on the next
// write; individual undecodable records are left for storage.Store to drop.
package file
