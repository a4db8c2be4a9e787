// -----------------------------------------------------------------------
// KV Store - shared-state primitives on raw badger transactions
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/interfaces"
)

// maxTxnRetries bounds optimistic-concurrency retries on write conflicts.
const maxTxnRetries = 16

// Key layout. A NUL separates the logical key from member/sequence parts so
// prefix scans never bleed into a sibling key.
//
//	kv:s:<key>                     string value
//	kv:t:<key>\0<member>           set member
//	kv:tc:<key>                    set cardinality
//	kv:zm:<key>\0<member>          zset member -> encoded score
//	kv:zi:<key>\0<score><member>   zset score index (score is 8 bytes, order-preserving)
//	kv:zn:<key>                    zset cardinality
//	kv:l:<key>\0<seq>              list element (seq is 20 digits)
//	kv:lh:<key>  kv:lt:<key>       list head/tail counters
const (
	prefixString  = "kv:s:"
	prefixSet     = "kv:t:"
	prefixSetCard = "kv:tc:"
	prefixZMember = "kv:zm:"
	prefixZIndex  = "kv:zi:"
	prefixZCard   = "kv:zn:"
	prefixList    = "kv:l:"
	prefixListHd  = "kv:lh:"
	prefixListTl  = "kv:lt:"
)

// KV implements interfaces.KVStore on a badger database. Every exported
// operation runs in a single transaction, so the compound primitives
// (SAddCapped, ZAddCapped, ZPopMove) are atomic across workers sharing
// the database handle.
type KV struct {
	db     *BadgerDB
	pubsub *pubsub
	logger arbor.ILogger
}

// NewKV creates a KV store on the given connection.
func NewKV(db *BadgerDB, logger arbor.ILogger) *KV {
	return &KV{
		db:     db,
		pubsub: newPubSub(),
		logger: logger,
	}
}

func skey(key string) []byte { return []byte(prefixString + key) }

func setMemberKey(key, member string) []byte {
	return append(append([]byte(prefixSet+key), 0), member...)
}

func setPrefix(key string) []byte { return append([]byte(prefixSet+key), 0) }

func setCardKey(key string) []byte { return []byte(prefixSetCard + key) }

func zMemberKey(key, member string) []byte {
	return append(append([]byte(prefixZMember+key), 0), member...)
}

func zMemberPrefix(key string) []byte { return append([]byte(prefixZMember+key), 0) }

func zIndexKey(key string, score float64, member string) []byte {
	enc := encodeScore(score)
	k := append([]byte(prefixZIndex+key), 0)
	k = append(k, enc[:]...)
	return append(k, member...)
}

func zIndexPrefix(key string) []byte { return append([]byte(prefixZIndex+key), 0) }

func zCardKey(key string) []byte { return []byte(prefixZCard + key) }

func listElemKey(key string, seq int64) []byte {
	return append(append([]byte(prefixList+key), 0), fmt.Sprintf("%020d", seq)...)
}

func listPrefix(key string) []byte { return append([]byte(prefixList+key), 0) }

func listHeadKey(key string) []byte { return []byte(prefixListHd + key) }

func listTailKey(key string) []byte { return []byte(prefixListTl + key) }

// encodeScore maps a float64 to 8 bytes whose byte order matches numeric
// order, so the score index iterates lowest-score first.
func encodeScore(score float64) [8]byte {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts.
func (s *KV) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Badger().Update(fn)
		if err != badgerdb.ErrConflict {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxnRetries, err)
}

func txnGetInt(txn *badgerdb.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseInt(string(val), 10, 64)
		if perr != nil {
			return perr
		}
		n = parsed
		return nil
	})
	return n, err
}

func txnSetInt(txn *badgerdb.Txn, key []byte, n int64) error {
	return txn.Set(key, []byte(strconv.FormatInt(n, 10)))
}

func txnHas(txn *badgerdb.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get retrieves a string value.
func (s *KV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(skey(key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(data)
		return nil
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set stores a string value with an optional TTL.
func (s *KV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(skey(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// SetNX stores the value only if the key is absent.
func (s *KV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	stored := false
	err := s.update(func(txn *badgerdb.Txn) error {
		stored = false
		exists, err := txnHas(txn, skey(key))
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		entry := badgerdb.NewEntry(skey(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to setnx key: %w", err)
	}
	return stored, nil
}

// Delete removes a key of any kind, including all members of a collection.
func (s *KV) Delete(ctx context.Context, key string) error {
	// Collect everything under the key's prefixes first, then delete in
	// chunks so a large collection cannot overflow one transaction.
	var doomed [][]byte
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		for _, exact := range [][]byte{
			skey(key), setCardKey(key), zCardKey(key), listHeadKey(key), listTailKey(key),
		} {
			if ok, err := txnHas(txn, exact); err != nil {
				return err
			} else if ok {
				doomed = append(doomed, exact)
			}
		}
		for _, prefix := range [][]byte{
			setPrefix(key), zMemberPrefix(key), zIndexPrefix(key), listPrefix(key),
		} {
			opts := badgerdb.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan key for delete: %w", err)
	}

	const chunk = 1000
	for start := 0; start < len(doomed); start += chunk {
		end := start + chunk
		if end > len(doomed) {
			end = len(doomed)
		}
		batch := doomed[start:end]
		err := s.update(func(txn *badgerdb.Txn) error {
			for _, k := range batch {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
	}
	return nil
}

// IncrBy atomically adds delta to an integer key.
func (s *KV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var result int64
	err := s.update(func(txn *badgerdb.Txn) error {
		n, err := txnGetInt(txn, skey(key))
		if err != nil {
			return err
		}
		n += delta
		result = n
		return txnSetInt(txn, skey(key), n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return result, nil
}

// Expire rewrites a string key with a TTL.
func (s *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(skey(key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(badgerdb.NewEntry(skey(key), data).WithTTL(ttl))
	})
	if err == badgerdb.ErrKeyNotFound {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to expire key: %w", err)
	}
	return nil
}

// SAdd adds members to a set.
func (s *KV) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	var added int64
	err := s.update(func(txn *badgerdb.Txn) error {
		added = 0
		card, err := txnGetInt(txn, setCardKey(key))
		if err != nil {
			return err
		}
		for _, member := range members {
			exists, err := txnHas(txn, setMemberKey(key, member))
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := txn.Set(setMemberKey(key, member), []byte{1}); err != nil {
				return err
			}
			card++
			added++
		}
		return txnSetInt(txn, setCardKey(key), card)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add set members: %w", err)
	}
	return added, nil
}

// SAddCapped admits members one at a time while the set stays under limit.
// The cardinality check and insert happen in one transaction, so two
// workers racing on the last slots cannot both win it.
func (s *KV) SAddCapped(ctx context.Context, key string, limit int64, members ...string) ([]string, error) {
	var admitted []string
	err := s.update(func(txn *badgerdb.Txn) error {
		admitted = admitted[:0]
		card, err := txnGetInt(txn, setCardKey(key))
		if err != nil {
			return err
		}
		for _, member := range members {
			exists, err := txnHas(txn, setMemberKey(key, member))
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if limit > 0 && card >= limit {
				continue
			}
			if err := txn.Set(setMemberKey(key, member), []byte{1}); err != nil {
				return err
			}
			card++
			admitted = append(admitted, member)
		}
		return txnSetInt(txn, setCardKey(key), card)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add capped set members: %w", err)
	}
	return admitted, nil
}

// SIsMember reports set membership.
func (s *KV) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	var found bool
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		var err error
		found, err = txnHas(txn, setMemberKey(key, member))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check set membership: %w", err)
	}
	return found, nil
}

// SCard returns the set size.
func (s *KV) SCard(ctx context.Context, key string) (int64, error) {
	var card int64
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		var err error
		card, err = txnGetInt(txn, setCardKey(key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get set cardinality: %w", err)
	}
	return card, nil
}

// SMembers returns all members of a set.
func (s *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	prefix := setPrefix(key)
	var members []string
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			members = append(members, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list set members: %w", err)
	}
	return members, nil
}

// zAddInTxn inserts or rescores a member, keeping the score index and
// cardinality consistent. Returns true when the member is new.
func zAddInTxn(txn *badgerdb.Txn, key string, score float64, member string) (bool, error) {
	mk := zMemberKey(key, member)
	item, err := txn.Get(mk)
	isNew := err == badgerdb.ErrKeyNotFound
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return false, err
	}
	if !isNew {
		old, err := item.ValueCopy(nil)
		if err != nil {
			return false, err
		}
		if err := txn.Delete(zIndexKey(key, decodeScore(old), member)); err != nil {
			return false, err
		}
	}
	enc := encodeScore(score)
	if err := txn.Set(mk, enc[:]); err != nil {
		return false, err
	}
	if err := txn.Set(zIndexKey(key, score, member), []byte(member)); err != nil {
		return false, err
	}
	return isNew, nil
}

// zRemInTxn removes a member if present, returning whether it was.
func zRemInTxn(txn *badgerdb.Txn, key string, member string) (bool, error) {
	mk := zMemberKey(key, member)
	item, err := txn.Get(mk)
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	old, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := txn.Delete(mk); err != nil {
		return false, err
	}
	if err := txn.Delete(zIndexKey(key, decodeScore(old), member)); err != nil {
		return false, err
	}
	return true, nil
}

// ZAdd adds or rescores a member.
func (s *KV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		isNew, err := zAddInTxn(txn, key, score, member)
		if err != nil {
			return err
		}
		if isNew {
			card, err := txnGetInt(txn, zCardKey(key))
			if err != nil {
				return err
			}
			return txnSetInt(txn, zCardKey(key), card+1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add sorted-set member: %w", err)
	}
	return nil
}

// ZAddCapped sweeps members scored below minScore, then admits the member
// only while the set holds fewer than limit members. Sweep, count and
// insert are one transaction; this is the lease-acquire primitive.
func (s *KV) ZAddCapped(ctx context.Context, key string, limit int64, minScore float64, score float64, member string) (bool, error) {
	var admitted bool
	err := s.update(func(txn *badgerdb.Txn) error {
		admitted = false
		card, err := txnGetInt(txn, zCardKey(key))
		if err != nil {
			return err
		}

		// Sweep expired leases.
		prefix := zIndexPrefix(key)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var expired []string
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if decodeScore(k[len(prefix):len(prefix)+8]) >= minScore {
				break
			}
			expired = append(expired, string(k[len(prefix)+8:]))
		}
		it.Close()
		for _, m := range expired {
			removed, err := zRemInTxn(txn, key, m)
			if err != nil {
				return err
			}
			if removed {
				card--
			}
		}

		exists, err := txnHas(txn, zMemberKey(key, member))
		if err != nil {
			return err
		}
		if !exists && limit > 0 && card >= limit {
			return txnSetInt(txn, zCardKey(key), card)
		}
		isNew, err := zAddInTxn(txn, key, score, member)
		if err != nil {
			return err
		}
		if isNew {
			card++
		}
		admitted = true
		return txnSetInt(txn, zCardKey(key), card)
	})
	if err != nil {
		return false, fmt.Errorf("failed to add capped sorted-set member: %w", err)
	}
	return admitted, nil
}

// ZRem removes members.
func (s *KV) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	var removed int64
	err := s.update(func(txn *badgerdb.Txn) error {
		removed = 0
		card, err := txnGetInt(txn, zCardKey(key))
		if err != nil {
			return err
		}
		for _, member := range members {
			ok, err := zRemInTxn(txn, key, member)
			if err != nil {
				return err
			}
			if ok {
				card--
				removed++
			}
		}
		return txnSetInt(txn, zCardKey(key), card)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove sorted-set members: %w", err)
	}
	return removed, nil
}

// ZScore returns a member's score.
func (s *KV) ZScore(ctx context.Context, key string, member string) (float64, error) {
	var score float64
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(zMemberKey(key, member))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		score = decodeScore(raw)
		return nil
	})
	if err == badgerdb.ErrKeyNotFound {
		return 0, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sorted-set member score: %w", err)
	}
	return score, nil
}

// ZCard returns the sorted set size.
func (s *KV) ZCard(ctx context.Context, key string) (int64, error) {
	var card int64
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		var err error
		card, err = txnGetInt(txn, zCardKey(key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get sorted-set cardinality: %w", err)
	}
	return card, nil
}

// ZRangeByScore returns members with min <= score <= max, lowest first.
func (s *KV) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	prefix := zIndexPrefix(key)
	minEnc := encodeScore(min)
	seek := append(append([]byte{}, prefix...), minEnc[:]...)
	var members []string
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.Valid(); it.Next() {
			k := it.Item().Key()
			score := decodeScore(k[len(prefix) : len(prefix)+8])
			if score > max {
				break
			}
			members = append(members, string(k[len(prefix)+8:]))
			if limit > 0 && len(members) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to range sorted set: %w", err)
	}
	return members, nil
}

// ZPopMove atomically moves the lowest-scored member of src into dst.
func (s *KV) ZPopMove(ctx context.Context, src, dst string, dstScore float64) (string, error) {
	var member string
	err := s.update(func(txn *badgerdb.Txn) error {
		member = ""
		prefix := zIndexPrefix(src)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		it.Rewind()
		if !it.Valid() {
			it.Close()
			return badgerdb.ErrKeyNotFound
		}
		k := it.Item().KeyCopy(nil)
		it.Close()
		member = string(k[len(prefix)+8:])

		removed, err := zRemInTxn(txn, src, member)
		if err != nil {
			return err
		}
		if removed {
			card, err := txnGetInt(txn, zCardKey(src))
			if err != nil {
				return err
			}
			if err := txnSetInt(txn, zCardKey(src), card-1); err != nil {
				return err
			}
		}

		isNew, err := zAddInTxn(txn, dst, dstScore, member)
		if err != nil {
			return err
		}
		if isNew {
			card, err := txnGetInt(txn, zCardKey(dst))
			if err != nil {
				return err
			}
			return txnSetInt(txn, zCardKey(dst), card+1)
		}
		return nil
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop-move sorted-set member: %w", err)
	}
	return member, nil
}

// RPush appends values to a list.
func (s *KV) RPush(ctx context.Context, key string, values ...string) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		tail, err := txnGetInt(txn, listTailKey(key))
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := txn.Set(listElemKey(key, tail), []byte(v)); err != nil {
				return err
			}
			tail++
		}
		return txnSetInt(txn, listTailKey(key), tail)
	})
	if err != nil {
		return fmt.Errorf("failed to push list values: %w", err)
	}
	return nil
}

// LPop removes and returns the head of a list.
func (s *KV) LPop(ctx context.Context, key string) (string, error) {
	var value string
	err := s.update(func(txn *badgerdb.Txn) error {
		value = ""
		head, err := txnGetInt(txn, listHeadKey(key))
		if err != nil {
			return err
		}
		tail, err := txnGetInt(txn, listTailKey(key))
		if err != nil {
			return err
		}
		if head >= tail {
			return badgerdb.ErrKeyNotFound
		}
		item, err := txn.Get(listElemKey(key, head))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(data)
		if err := txn.Delete(listElemKey(key, head)); err != nil {
			return err
		}
		return txnSetInt(txn, listHeadKey(key), head+1)
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop list head: %w", err)
	}
	return value, nil
}

// LLen returns the list length.
func (s *KV) LLen(ctx context.Context, key string) (int64, error) {
	var length int64
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		head, err := txnGetInt(txn, listHeadKey(key))
		if err != nil {
			return err
		}
		tail, err := txnGetInt(txn, listTailKey(key))
		if err != nil {
			return err
		}
		length = tail - head
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get list length: %w", err)
	}
	return length, nil
}

// LRange returns elements from start to stop inclusive. Negative indexes
// count from the tail, mirroring redis.
func (s *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		head, err := txnGetInt(txn, listHeadKey(key))
		if err != nil {
			return err
		}
		tail, err := txnGetInt(txn, listTailKey(key))
		if err != nil {
			return err
		}
		length := tail - head
		if length <= 0 {
			return nil
		}
		if start < 0 {
			start = length + start
		}
		if stop < 0 {
			stop = length + stop
		}
		if start < 0 {
			start = 0
		}
		if stop >= length {
			stop = length - 1
		}
		if start > stop {
			return nil
		}
		for seq := head + start; seq <= head+stop; seq++ {
			item, err := txn.Get(listElemKey(key, seq))
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, string(data))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to range list: %w", err)
	}
	return values, nil
}

// Publish sends a message to local subscribers. The embedded backend is
// single-process, so in-memory fan-out is sufficient.
func (s *KV) Publish(ctx context.Context, channel string, message string) error {
	s.pubsub.Publish(channel, message)
	return nil
}

// Subscribe opens a subscription on a channel.
func (s *KV) Subscribe(ctx context.Context, channel string) (interfaces.Subscription, error) {
	return s.pubsub.Subscribe(channel), nil
}

// Close shuts down pub/sub. The database handle is owned by the manager.
func (s *KV) Close() error {
	s.pubsub.Close()
	return nil
}
