// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package store holds the typed in-memory keyspace: strings and lists with
// per-key expirations. A key lives in at most one of the two value tables
// at any instant.
package store

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ErrWrongType is an operation against a key holding the other value type.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// ErrNotInteger is a string value that does not parse as a signed 64-bit
// integer.
var ErrNotInteger = errors.New("value is not an integer")

// NoExpiration is the sentinel deadline for keys that never expire.
const NoExpiration int64 = -1

// Keyspace is the typed store. Any operation that inspects both tables
// acquires their locks in the fixed order strings, lists, expirations;
// the erase path is idempotent so expiry may race with access.
type Keyspace struct {
	strmu   sync.Mutex
	strings map[string]string

	listmu sync.Mutex
	lists  map[string][]string

	expmu       sync.Mutex
	expirations map[string]int64

	log *slog.Logger

	// now returns wall-clock milliseconds; swappable in tests.
	now func() int64
}

func New() *Keyspace {
	return &Keyspace{
		strings:     map[string]string{},
		lists:       map[string][]string{},
		expirations: map[string]int64{},
		log:         slog.With("comp", "keyspace"),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Set writes a string value, removing any list under the key and clearing
// its expiration.
func (ks *Keyspace) Set(key, value string) {
	ks.strmu.Lock()
	ks.listmu.Lock()
	ks.expmu.Lock()
	defer ks.expmu.Unlock()
	defer ks.listmu.Unlock()
	defer ks.strmu.Unlock()

	delete(ks.lists, key)
	delete(ks.expirations, key)
	ks.strings[key] = value
}

// Get returns the string under key, reporting existence separately so the
// empty string is representable.
func (ks *Keyspace) Get(key string) (string, bool, error) {
	ks.expireIfDue(key)

	ks.strmu.Lock()
	v, ok := ks.strings[key]
	ks.strmu.Unlock()
	if ok {
		return v, true, nil
	}

	ks.listmu.Lock()
	_, isList := ks.lists[key]
	ks.listmu.Unlock()
	if isList {
		return "", false, ErrWrongType
	}
	return "", false, nil
}

// Exists counts how many of the given keys exist; duplicates are counted
// each time they appear.
func (ks *Keyspace) Exists(keys ...string) int64 {
	ks.expireIfDue(keys...)

	var n int64
	for _, key := range keys {
		ks.strmu.Lock()
		_, ok := ks.strings[key]
		ks.strmu.Unlock()
		if !ok {
			ks.listmu.Lock()
			_, ok = ks.lists[key]
			ks.listmu.Unlock()
		}
		if ok {
			n++
		}
	}
	return n
}

// Del erases keys and returns how many actually existed.
func (ks *Keyspace) Del(keys ...string) int64 {
	ks.expireIfDue(keys...)

	var n int64
	for _, key := range keys {
		if ks.erase(key) {
			n++
		}
	}
	return n
}

// Incr steps the integer under key by +1, initialising a missing key to 1.
func (ks *Keyspace) Incr(key string) (int64, error) {
	return ks.step(key, 1)
}

// Decr steps the integer under key by -1, initialising a missing key to -1.
func (ks *Keyspace) Decr(key string) (int64, error) {
	return ks.step(key, -1)
}

func (ks *Keyspace) step(key string, delta int64) (int64, error) {
	ks.expireIfDue(key)

	ks.strmu.Lock()
	defer ks.strmu.Unlock()
	ks.listmu.Lock()
	_, isList := ks.lists[key]
	ks.listmu.Unlock()
	if isList {
		return 0, ErrWrongType
	}

	v, ok := ks.strings[key]
	if !ok {
		ks.strings[key] = strconv.FormatInt(delta, 10)
		return delta, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n += delta
	ks.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// LPush prepends each value in argument order, so the final order is
// reversed relative to the argument list. Returns the new length.
func (ks *Keyspace) LPush(key string, values ...string) (int64, error) {
	ks.expireIfDue(key)

	// hold the string lock through the push so a concurrent Set cannot
	// leave the key in both tables
	ks.strmu.Lock()
	defer ks.strmu.Unlock()
	if _, isString := ks.strings[key]; isString {
		return 0, ErrWrongType
	}

	ks.listmu.Lock()
	defer ks.listmu.Unlock()
	list := ks.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	ks.lists[key] = list
	return int64(len(list)), nil
}

// RPush appends values and returns the new length.
func (ks *Keyspace) RPush(key string, values ...string) (int64, error) {
	ks.expireIfDue(key)

	ks.strmu.Lock()
	defer ks.strmu.Unlock()
	if _, isString := ks.strings[key]; isString {
		return 0, ErrWrongType
	}

	ks.listmu.Lock()
	defer ks.listmu.Unlock()
	list := append(ks.lists[key], values...)
	ks.lists[key] = list
	return int64(len(list)), nil
}

// LRange returns the inclusive range over the list. Negative indices count
// from the tail; both endpoints are clamped into the list after
// translation, and an inverted range yields the empty slice.
func (ks *Keyspace) LRange(key string, start, stop int64) ([]string, error) {
	ks.expireIfDue(key)

	ks.strmu.Lock()
	_, isString := ks.strings[key]
	ks.strmu.Unlock()
	if isString {
		return nil, ErrWrongType
	}

	ks.listmu.Lock()
	defer ks.listmu.Unlock()
	list, ok := ks.lists[key]
	if !ok || len(list) == 0 {
		return nil, nil
	}

	size := int64(len(list))
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	start = clamp(start, 0, size-1)
	stop = clamp(stop, 0, size-1)
	if start > stop {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// SizeOf is the length of the value under key: string bytes or list
// element count, 0 when missing.
func (ks *Keyspace) SizeOf(key string) int64 {
	ks.expireIfDue(key)

	ks.strmu.Lock()
	v, ok := ks.strings[key]
	ks.strmu.Unlock()
	if ok {
		return int64(len(v))
	}

	ks.listmu.Lock()
	defer ks.listmu.Unlock()
	return int64(len(ks.lists[key]))
}

// ExpireAt sets an absolute wall-clock millisecond deadline on an existing
// key. Reports whether the key existed.
func (ks *Keyspace) ExpireAt(key string, deadlineMillis int64) bool {
	ks.strmu.Lock()
	_, ok := ks.strings[key]
	ks.strmu.Unlock()
	if !ok {
		ks.listmu.Lock()
		_, ok = ks.lists[key]
		ks.listmu.Unlock()
	}
	if !ok {
		return false
	}

	ks.expmu.Lock()
	ks.expirations[key] = deadlineMillis
	ks.expmu.Unlock()
	return true
}

// Persist clears any expiration on key. Reports whether one was set.
func (ks *Keyspace) Persist(key string) bool {
	ks.expmu.Lock()
	defer ks.expmu.Unlock()
	_, ok := ks.expirations[key]
	delete(ks.expirations, key)
	return ok
}

// expireIfDue lazily erases keys whose deadline has passed. The check
// releases the expiration lock before erasing, so it may race with a
// concurrent access; erase is idempotent, which keeps the expiration
// shadow invariant intact either way.
func (ks *Keyspace) expireIfDue(keys ...string) {
	now := ks.now()
	for _, key := range keys {
		ks.expmu.Lock()
		deadline, ok := ks.expirations[key]
		ks.expmu.Unlock()
		if !ok || deadline > now {
			continue
		}
		ks.log.Debug("expired", "key", key, "deadline", deadline)
		ks.erase(key)
	}
}

// erase removes key from every table, atomically, locks in global order.
func (ks *Keyspace) erase(key string) bool {
	ks.strmu.Lock()
	ks.listmu.Lock()
	ks.expmu.Lock()
	defer ks.expmu.Unlock()
	defer ks.listmu.Unlock()
	defer ks.strmu.Unlock()

	_, hadString := ks.strings[key]
	_, hadList := ks.lists[key]
	delete(ks.strings, key)
	delete(ks.lists, key)
	delete(ks.expirations, key)
	return hadString || hadList
}

// dump copies every table under the full lock set, in the global order.
func (ks *Keyspace) dump() (map[string]string, map[string][]string, map[string]int64) {
	ks.strmu.Lock()
	ks.listmu.Lock()
	ks.expmu.Lock()
	defer ks.expmu.Unlock()
	defer ks.listmu.Unlock()
	defer ks.strmu.Unlock()

	strs := make(map[string]string, len(ks.strings))
	for k, v := range ks.strings {
		strs[k] = v
	}
	lists := make(map[string][]string, len(ks.lists))
	for k, v := range ks.lists {
		lists[k] = append([]string(nil), v...)
	}
	exps := make(map[string]int64, len(ks.expirations))
	for k, v := range ks.expirations {
		exps[k] = v
	}
	return strs, lists, exps
}

// install replaces the whole keyspace in one critical section.
func (ks *Keyspace) install(strs map[string]string, lists map[string][]string, exps map[string]int64) {
	ks.strmu.Lock()
	ks.listmu.Lock()
	ks.expmu.Lock()
	defer ks.expmu.Unlock()
	defer ks.listmu.Unlock()
	defer ks.strmu.Unlock()

	ks.strings = strs
	ks.lists = lists
	ks.expirations = exps
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
