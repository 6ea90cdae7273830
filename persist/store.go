// Package persist keeps the server data a Repo has seen in a bbolt file so a
// restarted client can show it before the server answers.
//
// Layout: bucket "nodes" maps a path string to the msgpack-encoded exported
// value last written there by the server; bucket "complete" holds the paths
// whose default listen completed. A write at a path deletes every entry at
// or below it, so the tree is rebuilt by layering entries shallow first.
package persist

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/Prismer-AI/rtsync"
)

var (
	bucketNodes    = []byte("nodes")
	bucketComplete = []byte("complete")
)

// record is the stored form of one entry.
type record struct {
	Value   any   `msgpack:"v"`
	SavedAt int64 `msgpack:"t"`
}

type Options struct {
	// IsTesting trades durability for speed.
	IsTesting bool
	Timeout   time.Duration
}

// Store is an rtsync.SnapshotStore backed by bbolt.
type Store struct {
	bdb *bbolt.DB
}

var _ rtsync.SnapshotStore = (*Store)(nil)

// Open opens or creates the store at path.
func Open(path string, opt Options) (*Store, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	}
	bdb, err := bbolt.Open(path, 0600, &bopt)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketComplete} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("persist: init buckets: %w", err)
	}
	return &Store{bdb: bdb}, nil
}

func (s *Store) Close() error {
	return s.bdb.Close()
}

// LoadSnapshot rebuilds the tree from every stored entry.
func (s *Store) LoadSnapshot() (rtsync.Snapshot, error) {
	entries := make(map[string]rtsync.Node)
	var complete []rtsync.Path
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var rec record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			n, err := rtsync.NodeFromValue(rec.Value)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			entries[string(k)] = n
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketComplete).ForEach(func(k, _ []byte) error {
			complete = append(complete, rtsync.ParsePath(string(k)))
			return nil
		})
	})
	if err != nil {
		return rtsync.Snapshot{}, fmt.Errorf("persist: load: %w", err)
	}
	return rtsync.Snapshot{Root: rtsync.BuildSnapshotTree(entries), Complete: complete}, nil
}

func (s *Store) SaveServerOverwrite(p rtsync.Path, n rtsync.Node) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return putNode(tx.Bucket(bucketNodes), p, n)
	})
}

func (s *Store) SaveServerMerge(p rtsync.Path, children map[string]rtsync.Node) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		for k, n := range children {
			if err := putNode(b, p.Join(rtsync.ParsePath(k)), n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MarkComplete(p rtsync.Path) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketComplete).Put([]byte(p.String()), []byte{1})
	})
}

// putNode replaces everything at or below p with n. An empty node is kept
// as a tombstone so it still hides data stored at an ancestor.
func putNode(b *bbolt.Bucket, p rtsync.Path, n rtsync.Node) error {
	key := p.String()
	if err := deleteSubtree(b, key); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(record{Value: n.Value(true), SavedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

func deleteSubtree(b *bbolt.Bucket, key string) error {
	var doomed [][]byte
	c := b.Cursor()
	prefix := []byte(key)
	if key == "/" {
		prefix = nil
	}
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if rtsync.IsPathKeyWithin(string(k), key) {
			doomed = append(doomed, append([]byte(nil), k...))
		}
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
