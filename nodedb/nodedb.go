// Package nodedb implements the node-database collaborator contract
// (spec §6): GetRC and AsyncVerifyRC, backed by a bbolt bucket of
// CBOR-encoded router contacts. Grounded on the teacher's
// server/userdb/boltuserdb package for the "one bucket, encoded value
// blob, sync.RWMutex-guarded cache" shape; the storage layer itself is
// not a spec requirement (spec §1 non-goal: "implementing the DHT
// storage layer"), but a node database needs somewhere real to live and
// the teacher already reaches for bbolt for exactly this kind of local
// contact store.
package nodedb

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/veilrelay/veil/disk"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/path"
)

const contactsBucket = "contacts"

// Contact is a router's network contact information as stored locally.
// The wire shape of the link layer that uses it is out of scope (spec
// §1); this is only what the core needs to identify and reach a router.
type Contact struct {
	ID        introduction.RouterID `cbor:"id"`
	Addresses []string              `cbor:"addr"`
	Verified  bool                  `cbor:"verified"`
}

// DB is a bbolt-backed node database. It satisfies path.NodeDB.
type DB struct {
	mu    sync.RWMutex
	db    *bolt.DB
	cache map[introduction.RouterID]*Contact

	diskWorker *disk.Worker
}

// Open opens (creating if necessary) a node database at path, backed by
// disk worker w for verification jobs.
func Open(filePath string, w *disk.Worker) (*DB, error) {
	bdb, err := bolt.Open(filePath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("nodedb: open %s: %w", filePath, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(contactsBucket))
		return err
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("nodedb: init bucket: %w", err)
	}

	d := &DB{db: bdb, cache: make(map[introduction.RouterID]*Contact), diskWorker: w}
	if err := d.warmCache(); err != nil {
		bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) warmCache() error {
	return d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		return bkt.ForEach(func(k, v []byte) error {
			var c Contact
			if err := cbor.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("nodedb: corrupt record for %x: %w", k, err)
			}
			d.cache[c.ID] = &c
			return nil
		})
	})
}

// Close closes the underlying bbolt handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetRC returns the cached contact for id, if known.
func (d *DB) GetRC(id introduction.RouterID) (*path.RouterContact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cache[id]
	if !ok {
		return nil, false
	}
	return &path.RouterContact{ID: c.ID}, true
}

// Contact returns the full stored contact record for id, if known.
func (d *DB) Contact(id introduction.RouterID) (*Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cache[id]
	return c, ok
}

// RandomRouters returns up to n distinct known routers, excluding any in
// exclude. Satisfies path.NodeDB.
func (d *DB) RandomRouters(n int, exclude map[introduction.RouterID]bool) []introduction.RouterID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]introduction.RouterID, 0, n)
	for id := range d.cache {
		if exclude != nil && exclude[id] {
			continue
		}
		out = append(out, id)
		if len(out) == n {
			break
		}
	}
	return out
}

// Put inserts or replaces a contact record, synchronously. Callers on
// the hot path should prefer AsyncVerifyRC so the write happens on the
// disk worker instead of blocking router logic.
func (d *DB) Put(c *Contact) error {
	buf, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		return bkt.Put(c.ID[:], buf)
	}); err != nil {
		return err
	}
	d.mu.Lock()
	d.cache[c.ID] = c
	d.mu.Unlock()
	return nil
}

// VerifyJob is one unit of work handed to the disk worker: verify and
// persist a candidate contact, then report the outcome on Done.
type VerifyJob struct {
	Candidate *Contact
	Done      func(ok bool, err error)
}

// AsyncVerifyRC dispatches a contact verification+persist job onto the
// disk worker so router logic never blocks on bbolt I/O (spec §5: "the
// node database is ... mutated only by the disk worker").
func (d *DB) AsyncVerifyRC(job *VerifyJob) {
	d.diskWorker.Submit(func() {
		if job.Candidate == nil {
			job.Done(false, fmt.Errorf("nodedb: nil candidate"))
			return
		}
		job.Candidate.Verified = true
		err := d.Put(job.Candidate)
		job.Done(err == nil, err)
	})
}
