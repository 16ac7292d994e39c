// package store provides the broker's durable state: the outbound message
// queue, the sequence counters for both exchange directions, the set of
// server-accepted message types and the registration credential. Everything
// is persisted in a BadgerDB directory owned by the broker process and is
// loaded atomically at startup.
//
// Queue entries live under queue/<sequence> with zero-padded keys so that
// badger's lexicographic iteration yields enqueue order. Sequence numbers
// are assigned at enqueue time, strictly increasing and contiguous. Entries
// are removed only by acknowledgment (or an explicit wipe); acknowledgments
// only ever advance, so processing the same server response twice prunes
// exactly once.
package store

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/msgpack"
	"github.com/getlantern/trace"

	"github.com/outpostd/outpostd/identity"
	"github.com/outpostd/outpostd/model"
)

const (
	queuePrefix = "queue/"

	sequencesKey     = "state/sequences"
	acceptedTypesKey = "state/accepted-types"
	identityKey      = "state/identity"
	serverUUIDKey    = "state/server-uuid"
)

var (
	log    = golog.LoggerFor("store")
	tracer = trace.NewTracer("store")
)

type Opts struct {
	// Dir is the directory holding the store. Ignored when InMemory is set.
	Dir string
	// InMemory runs the store without disk persistence. Testing only.
	InMemory bool
	// CacheSize is how many decoded queue entries to cache. Resending from
	// a point re-reads the same entries, so this saves repeated decoding.
	// Defaults to 256.
	CacheSize int
	// GetTime returns the current time, defaults to time.Now.
	GetTime func() time.Time
}

func (opts *Opts) ApplyDefaults() {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.GetTime == nil {
		opts.GetTime = time.Now
	}
}

// sequenceState is the store's persisted sequence bookkeeping.
type sequenceState struct {
	// Next is the sequence number the next enqueued message receives.
	// Numbering starts at 1.
	Next uint64 `msgpack:"next"`
	// AckedThrough is the highest sequence the server has acknowledged.
	AckedThrough uint64 `msgpack:"acked-through"`
	// Server is the sequence we expect the next server-originated message
	// to carry.
	Server uint64 `msgpack:"server"`
}

// MessageStore is the durable queue plus exchange bookkeeping. All mutating
// operations are flushed to disk before they return.
type MessageStore struct {
	db       *badger.DB
	getTime  func() time.Time
	mx       sync.Mutex
	seq      sequenceState
	accepted map[string]bool
	id       *identity.Identity
	uuid     string
	cache    *lru.Cache
}

// Open opens (or creates) the store. A store whose persisted state cannot
// be decoded refuses to open with a model.ErrStorageCorruption: silently
// dropping queued history would break the exchange protocol's sequence
// contract.
func Open(opts *Opts) (*MessageStore, error) {
	opts.ApplyDefaults()

	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(!opts.InMemory).
		WithInMemory(opts.InMemory)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, model.ErrStorageCorruption.WithDetail("unable to open %v: %v", opts.Dir, err)
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &MessageStore{
		db:       db,
		getTime:  opts.GetTime,
		accepted: make(map[string]bool),
		cache:    cache,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) load() error {
	s.seq = sequenceState{Next: 1}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := readPacked(txn, sequencesKey, &s.seq); err != nil {
			return err
		}
		var accepted []string
		if err := readPacked(txn, acceptedTypesKey, &accepted); err != nil {
			return err
		}
		for _, t := range accepted {
			s.accepted[t] = true
		}
		item, err := txn.Get([]byte(identityKey))
		if err == nil {
			err = item.Value(func(val []byte) error {
				id, idErr := identity.Unmarshal(val)
				if idErr != nil {
					return model.ErrStorageCorruption.WithDetail("unable to decode %v: %v", identityKey, idErr)
				}
				s.id = id
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return model.ErrStorageCorruption.WithError(err)
		}
		item, err = txn.Get([]byte(serverUUIDKey))
		if err == nil {
			return item.Value(func(val []byte) error {
				s.uuid = string(val)
				return nil
			})
		} else if err != badger.ErrKeyNotFound {
			return model.ErrStorageCorruption.WithError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Decode every queued entry now so a corrupt record refuses the open
	// instead of surfacing from the first Pending mid-exchange. Warms the
	// cache as a side effect.
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.iterateQueue(func(uint64, *model.Message) bool { return true })
}

func readPacked(txn *badger.Txn, key string, into interface{}) error {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return model.ErrStorageCorruption.WithError(err)
	}
	return item.Value(func(val []byte) error {
		if err := msgpack.Unmarshal(val, into); err != nil {
			return model.ErrStorageCorruption.WithDetail("unable to decode %v: %v", key, err)
		}
		return nil
	})
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%v%020d", queuePrefix, seq))
}

func sequenceFromKey(key []byte) (uint64, error) {
	return strconv.ParseUint(string(key[len(queuePrefix):]), 10, 64)
}

// Enqueue persists the message, assigns it the next sequence number and
// returns that number. Messages of types the server does not currently
// accept are persisted too; they are simply held back from Pending.
func (s *MessageStore) Enqueue(msg *model.Message) (uint64, error) {
	_, span := tracer.Continue("enqueue")
	defer span.End()

	s.mx.Lock()
	defer s.mx.Unlock()

	// Copy so a producer reusing the message after the send cannot mutate
	// what we persisted and cached.
	m := *msg
	if m.Timestamp == 0 {
		m.Timestamp = s.getTime().Unix()
	}
	if m.API == "" {
		m.API = model.ClientAPI
	}

	seq := s.seq.Next
	encoded, err := m.Marshal()
	if err != nil {
		return 0, errors.New("unable to encode message: %v", err)
	}
	newState := s.seq
	newState.Next++
	encodedState, err := msgpack.Marshal(&newState)
	if err != nil {
		return 0, errors.New("unable to encode sequence state: %v", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(queueKey(seq), encoded); err != nil {
			return err
		}
		return txn.Set([]byte(sequencesKey), encodedState)
	})
	if err != nil {
		return 0, errors.New("unable to persist message: %v", err)
	}

	s.seq = newState
	s.cache.Add(seq, &m)
	return seq, nil
}

// Pending returns up to max queued messages whose types the server
// currently accepts, in enqueue order. Held messages of unaccepted types
// are skipped but retain their place: once their type is accepted they are
// offered in original order relative to other pending messages.
func (s *MessageStore) Pending(max int) ([]*model.QueuedMessage, error) {
	_, span := tracer.Continue("pending")
	defer span.End()

	s.mx.Lock()
	defer s.mx.Unlock()

	var result []*model.QueuedMessage
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		if !s.accepted[msg.Type] {
			return true
		}
		result = append(result, &model.QueuedMessage{Sequence: seq, Message: msg})
		return max <= 0 || len(result) < max
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PendingCount returns how many queued messages are currently sendable.
func (s *MessageStore) PendingCount() (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	count := 0
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		if s.accepted[msg.Type] {
			count++
		}
		return true
	})
	return count, err
}

// HeldCount returns how many queued messages are held back because their
// type is not currently accepted by the server.
func (s *MessageStore) HeldCount() (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	count := 0
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		if !s.accepted[msg.Type] {
			count++
		}
		return true
	})
	return count, err
}

// iterateQueue walks queue entries in sequence order, decoding through the
// LRU cache. The callback returns false to stop early. Callers hold s.mx.
func (s *MessageStore) iterateQueue(visit func(seq uint64, msg *model.Message) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			seq, err := sequenceFromKey(item.Key())
			if err != nil {
				return model.ErrStorageCorruption.WithDetail("bad queue key %q: %v", item.Key(), err)
			}
			var msg *model.Message
			if cached, found := s.cache.Get(seq); found {
				msg = cached.(*model.Message)
			} else {
				err = item.Value(func(val []byte) error {
					decoded, decodeErr := model.UnmarshalMessage(val)
					if decodeErr != nil {
						return model.ErrStorageCorruption.WithDetail("bad queue entry %d: %v", seq, decodeErr)
					}
					msg = decoded
					return nil
				})
				if err != nil {
					return err
				}
				s.cache.Add(seq, msg)
			}
			if !visit(seq, msg) {
				return nil
			}
		}
		return nil
	})
}

// Acknowledge removes all sendable entries with sequence <= upTo and
// advances the acknowledged watermark. Held entries survive regardless of
// their sequence: they were never offered to the server. Acknowledging the
// same point twice is a no-op.
func (s *MessageStore) Acknowledge(upTo uint64) error {
	_, span := tracer.Continue("acknowledge")
	defer span.End()

	s.mx.Lock()
	defer s.mx.Unlock()

	var doomed []uint64
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		if seq > upTo {
			return false
		}
		if s.accepted[msg.Type] {
			doomed = append(doomed, seq)
		}
		return true
	})
	if err != nil {
		return err
	}

	newState := s.seq
	if upTo > newState.AckedThrough {
		newState.AckedThrough = upTo
	}
	encodedState, err := msgpack.Marshal(&newState)
	if err != nil {
		return errors.New("unable to encode sequence state: %v", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, seq := range doomed {
			if err := txn.Delete(queueKey(seq)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(sequencesKey), encodedState)
	})
	if err != nil {
		return errors.New("unable to prune acknowledged messages: %v", err)
	}

	s.seq = newState
	for _, seq := range doomed {
		s.cache.Remove(seq)
	}
	return nil
}

// Rebase renumbers every queued entry consecutively starting at next,
// preserving order, and rewinds the sequence counters accordingly. This is
// the recovery path when the server declares a next-expected sequence below
// what we believed was already acknowledged: nothing still queued is lost
// or duplicated, it is simply resent from the declared point.
func (s *MessageStore) Rebase(next uint64) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	type entry struct {
		seq uint64
		msg *model.Message
	}
	var entries []entry
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		entries = append(entries, entry{seq, msg})
		return true
	})
	if err != nil {
		return err
	}

	newState := sequenceState{
		Next:         next + uint64(len(entries)),
		AckedThrough: next - 1,
		Server:       s.seq.Server,
	}
	encodedState, err := msgpack.Marshal(&newState)
	if err != nil {
		return errors.New("unable to encode sequence state: %v", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Delete(queueKey(e.seq)); err != nil {
				return err
			}
		}
		for i, e := range entries {
			encoded, encodeErr := e.msg.Marshal()
			if encodeErr != nil {
				return encodeErr
			}
			if err := txn.Set(queueKey(next+uint64(i)), encoded); err != nil {
				return err
			}
		}
		return txn.Set([]byte(sequencesKey), encodedState)
	})
	if err != nil {
		return errors.New("unable to rebase queue: %v", err)
	}

	s.seq = newState
	s.cache.Purge()
	log.Debugf("Rebased %d queued messages to start at sequence %d", len(entries), next)
	return nil
}

// DeleteAllMessages wipes the queue without touching sequence counters.
func (s *MessageStore) DeleteAllMessages() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	var doomed []uint64
	err := s.iterateQueue(func(seq uint64, msg *model.Message) bool {
		doomed = append(doomed, seq)
		return true
	})
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, seq := range doomed {
			if err := txn.Delete(queueKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.New("unable to delete messages: %v", err)
	}
	s.cache.Purge()
	return nil
}

// NextSequence returns the sequence number the next enqueued message will
// receive.
func (s *MessageStore) NextSequence() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.seq.Next
}

// AckedThrough returns the highest sequence the server has acknowledged.
func (s *MessageStore) AckedThrough() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.seq.AckedThrough
}

// ServerSequence returns the sequence we expect from the server next.
func (s *MessageStore) ServerSequence() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.seq.Server
}

// SetServerSequence durably records the sequence we expect from the server
// next. Called after each inbound message is delivered so that a crash
// mid-fan-out does not replay already-delivered messages.
func (s *MessageStore) SetServerSequence(seq uint64) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	newState := s.seq
	newState.Server = seq
	if err := s.writeSequences(&newState); err != nil {
		return err
	}
	s.seq = newState
	return nil
}

func (s *MessageStore) writeSequences(state *sequenceState) error {
	encoded, err := msgpack.Marshal(state)
	if err != nil {
		return errors.New("unable to encode sequence state: %v", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sequencesKey), encoded)
	})
}

// SetAcceptedTypes durably replaces the set of message types the server
// currently accepts from this host.
func (s *MessageStore) SetAcceptedTypes(types []string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	encoded, err := msgpack.Marshal(sorted)
	if err != nil {
		return errors.New("unable to encode accepted types: %v", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(acceptedTypesKey), encoded)
	})
	if err != nil {
		return errors.New("unable to persist accepted types: %v", err)
	}

	s.accepted = make(map[string]bool, len(sorted))
	for _, t := range sorted {
		s.accepted[t] = true
	}
	return nil
}

// AcceptedTypes returns the server-accepted message types, sorted.
func (s *MessageStore) AcceptedTypes() []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	types := make([]string, 0, len(s.accepted))
	for t := range s.accepted {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Accepts reports whether the server currently accepts the given type.
func (s *MessageStore) Accepts(messageType string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.accepted[messageType]
}

// Identity returns the persisted credential, or nil if never registered.
// The returned value is a copy.
func (s *MessageStore) Identity() *identity.Identity {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.id == nil {
		return nil
	}
	copied := *s.id
	return &copied
}

// SetIdentity durably records the credential.
func (s *MessageStore) SetIdentity(id *identity.Identity) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	encoded, err := id.Marshal()
	if err != nil {
		return errors.New("unable to encode identity: %v", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(identityKey), encoded)
	})
	if err != nil {
		return errors.New("unable to persist identity: %v", err)
	}
	copied := *id
	s.id = &copied
	return nil
}

// ServerUUID returns the last seen server UUID, or empty.
func (s *MessageStore) ServerUUID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.uuid
}

// SetServerUUID durably records the server UUID.
func (s *MessageStore) SetServerUUID(uuid string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(serverUUIDKey), []byte(uuid))
	})
	if err != nil {
		return errors.New("unable to persist server uuid: %v", err)
	}
	s.uuid = uuid
	return nil
}

// Close closes the underlying database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}
