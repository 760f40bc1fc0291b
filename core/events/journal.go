package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"bondsettle/core/types"
	"bondsettle/observability"
)

var journalBucket = []byte("events")

// Journal persists every emitted event in sequence order and fans new
// entries out to live subscribers. Sequences start at 1 and never repeat,
// which lets websocket clients and gateway pollers resume from a cursor.
type Journal struct {
	db *bolt.DB

	subMu   sync.Mutex
	subs    map[uint64]chan *types.Event
	nextSub uint64
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("events: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: init journal: %w", err)
	}
	return &Journal{db: db, subs: make(map[uint64]chan *types.Event)}, nil
}

// OpenJournalReadOnly opens an existing journal for reading. Appends fail
// and the file must already exist.
func OpenJournalReadOnly(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("events: open journal: %w", err)
	}
	return &Journal{db: db, subs: make(map[uint64]chan *types.Event)}, nil
}

// Close releases the underlying database and all subscriber channels.
func (j *Journal) Close() error {
	j.subMu.Lock()
	for id, ch := range j.subs {
		close(ch)
		delete(j.subs, id)
	}
	j.subMu.Unlock()
	return j.db.Close()
}

// Append assigns the next sequence number, stamps the event time when unset
// and persists the event before fanning it out. The returned copy carries
// the assigned sequence.
func (j *Journal) Append(evt *types.Event) (*types.Event, error) {
	if evt == nil {
		return nil, fmt.Errorf("events: nil event")
	}
	stored := evt.Clone()
	if stored.Timestamp == 0 {
		stored.Timestamp = time.Now().Unix()
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		stored.Sequence = seq
		payload, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), payload)
	})
	if err != nil {
		return nil, fmt.Errorf("events: append: %w", err)
	}
	observability.Events().RecordJournaled(stored.Type)
	j.fanout(stored)
	return stored, nil
}

// List returns up to limit events with sequence strictly greater than
// after, in ascending order.
func (j *Journal) List(after uint64, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]*types.Event, 0, limit)
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(sequenceKey(after + 1)); k != nil && len(out) < limit; k, v = cursor.Next() {
			var evt types.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			out = append(out, &evt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	return out, nil
}

// LastSequence reports the highest sequence assigned so far, zero when the
// journal is empty.
func (j *Journal) LastSequence() (uint64, error) {
	var last uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(journalBucket); bucket != nil {
			last = bucket.Sequence()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("events: last sequence: %w", err)
	}
	return last, nil
}

// Subscription delivers journal entries appended after the subscription was
// taken. Slow consumers miss events rather than block the writer; they can
// detect gaps via Sequence and re-read via List.
type Subscription struct {
	id      uint64
	C       <-chan *types.Event
	journal *Journal
}

// Subscribe registers a new live consumer with the given channel buffer.
func (j *Journal) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)
	j.subMu.Lock()
	j.nextSub++
	id := j.nextSub
	j.subs[id] = ch
	j.subMu.Unlock()
	return &Subscription{id: id, C: ch, journal: j}
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	if s == nil || s.journal == nil {
		return
	}
	s.journal.subMu.Lock()
	if ch, ok := s.journal.subs[s.id]; ok {
		close(ch)
		delete(s.journal.subs, s.id)
	}
	s.journal.subMu.Unlock()
}

func (j *Journal) fanout(evt *types.Event) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- evt.Clone():
		default:
			observability.Events().RecordSubscriberDrop()
		}
	}
}

func sequenceKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
