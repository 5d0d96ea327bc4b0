package snet

import (
	"crypto/rand"
	"math/big"
	"sync"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ConnMap is a go-routine safe map from server connection ID to connection.
type ConnMap struct {
	sync.RWMutex
	m map[string]*Conn
}

// NewConnMap returns an empty ConnMap.
func NewConnMap() *ConnMap {
	return &ConnMap{
		m: make(map[string]*Conn),
	}
}

// Get returns the connection registered under id.
func (cm *ConnMap) Get(id string) (*Conn, bool) {
	cm.RLock()
	c, ok := cm.m[id]
	cm.RUnlock()
	return c, ok
}

// PutIfAbsent registers c under its current ID unless the ID is taken.
func (cm *ConnMap) PutIfAbsent(c *Conn) bool {
	cm.Lock()
	defer cm.Unlock()
	if _, ok := cm.m[c.id]; ok {
		return false
	}
	cm.m[c.id] = c
	return true
}

// Remove deletes c, but only if it is still the connection stored under its
// ID.
func (cm *ConnMap) Remove(c *Conn) {
	cm.Lock()
	if cur, ok := cm.m[c.id]; ok && cur == c {
		delete(cm.m, c.id)
	}
	cm.Unlock()
}

// Snapshot returns the connections registered at the moment of the call.
func (cm *ConnMap) Snapshot() []*Conn {
	cm.RLock()
	conns := make([]*Conn, 0, len(cm.m))
	for _, c := range cm.m {
		conns = append(conns, c)
	}
	cm.RUnlock()
	return conns
}

// Size returns the number of registered connections.
func (cm *ConnMap) Size() int {
	cm.RLock()
	size := len(cm.m)
	cm.RUnlock()
	return size
}

// IsEmpty reports whether no connection is registered.
func (cm *ConnMap) IsEmpty() bool {
	return cm.Size() <= 0
}

// register inserts c, drawing a fresh ID for as long as the current one is
// already taken.
func (cm *ConnMap) register(c *Conn) {
	for !cm.PutIfAbsent(c) {
		c.regenerateID()
	}
}

func (c *Conn) regenerateID() {
	c.id = randomID(IDLength)
}

func randomID(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = idAlphabet[k.Int64()]
	}
	return string(b)
}
