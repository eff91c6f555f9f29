// Package presence tracks which users are currently connected. State is
// purely in-memory; on restart every connection is presumed dropped and
// the registry starts empty.
package presence

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard struct {
	sync.RWMutex
	m map[string]string
}

// stripedMap is a string→string map with per-shard locking so unrelated
// keys never contend on one lock.
type stripedMap struct {
	shards [shardCount]*shard
}

func newStripedMap() *stripedMap {
	s := &stripedMap{}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]string)}
	}
	return s
}

func (s *stripedMap) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *stripedMap) get(key string) (string, bool) {
	sh := s.shardFor(key)
	sh.RLock()
	defer sh.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *stripedMap) put(key, value string) {
	sh := s.shardFor(key)
	sh.Lock()
	defer sh.Unlock()
	sh.m[key] = value
}

func (s *stripedMap) delete(key string) (string, bool) {
	sh := s.shardFor(key)
	sh.Lock()
	defer sh.Unlock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	return v, ok
}

// compareAndDelete removes key only if it still maps to value.
func (s *stripedMap) compareAndDelete(key, value string) bool {
	sh := s.shardFor(key)
	sh.Lock()
	defer sh.Unlock()
	if v, ok := sh.m[key]; ok && v == value {
		delete(sh.m, key)
		return true
	}
	return false
}

func (s *stripedMap) size() int {
	n := 0
	for _, sh := range s.shards {
		sh.RLock()
		n += len(sh.m)
		sh.RUnlock()
	}
	return n
}

// Registry is the bidirectional connection↔user map. A user has at most
// one delivery target at a time: registering a second connection for the
// same user simply replaces the target (last writer wins), the older
// connection keeps its user attribution until it disconnects.
type Registry struct {
	userToConn *stripedMap
	connToUser *stripedMap
}

func NewRegistry() *Registry {
	return &Registry{
		userToConn: newStripedMap(),
		connToUser: newStripedMap(),
	}
}

// Register associates userId with connectionId after a successful
// credential check.
func (r *Registry) Register(connectionId, userId string) {
	r.connToUser.put(connectionId, userId)
	r.userToConn.put(userId, connectionId)
}

// Resolve returns the user's current live connection, if any. O(1).
func (r *Registry) Resolve(userId string) (string, bool) {
	return r.userToConn.get(userId)
}

// UserOf returns the authenticated user behind a connection, if any.
func (r *Registry) UserOf(connectionId string) (string, bool) {
	return r.connToUser.get(connectionId)
}

// Forget drops the connection on disconnect. The user→connection mapping
// is removed only if it still points at this connection, so a stale
// removal never races away a newer connection for the same user. Returns
// the user that was attributed to the connection, if any.
func (r *Registry) Forget(connectionId string) (string, bool) {
	userId, ok := r.connToUser.delete(connectionId)
	if !ok {
		return "", false
	}
	r.userToConn.compareAndDelete(userId, connectionId)
	return userId, true
}

// Count returns the number of authenticated live connections.
func (r *Registry) Count() int {
	return r.connToUser.size()
}
