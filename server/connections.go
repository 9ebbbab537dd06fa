package server

import (
	"net"
	"sync"
)

// connSet tracks open connections so shutdown can close them and wait for their
// handlers to return.
type connSet struct {
	conns map[net.Conn]struct{}
	mu    sync.Mutex
	wg    sync.WaitGroup
}

func newConnSet() *connSet {
	return &connSet{
		conns: make(map[net.Conn]struct{}),
	}
}

func (cs *connSet) add(conn net.Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.conns[conn] = struct{}{}
	cs.wg.Add(1)
}

func (cs *connSet) remove(conn net.Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.conns[conn]; ok {
		delete(cs.conns, conn)
		cs.wg.Done()
	}
}

func (cs *connSet) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

func (cs *connSet) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for conn := range cs.conns {
		conn.Close()
	}
}

func (cs *connSet) wait() {
	cs.wg.Wait()
}
