package backend

import (
	"time"
)

// Pool keeps idle backend connections per target for reuse by any client
// connection of the same worker.
//
// A connection is either held by exactly one client connection or sits in
// the pool, never both. Pool is owned by one worker and is not safe for
// concurrent use.
type Pool struct {
	maxIdle     int
	idleTimeout time.Duration
	idle        map[string][]idleConn
	closed      bool
	now         func() time.Time
}

type idleConn struct {
	conn  Conn
	since time.Time
}

// NewPool creates a pool keeping at most maxIdlePerTarget connections per
// target. Connections idle for longer than idleTimeout are closed by Sweep.
func NewPool(maxIdlePerTarget int, idleTimeout time.Duration) *Pool {
	return &Pool{
		maxIdle:     maxIdlePerTarget,
		idleTimeout: idleTimeout,
		idle:        make(map[string][]idleConn),
		now:         time.Now,
	}
}

// Acquire removes and returns the most recently released connection for
// target.
func (p *Pool) Acquire(target string) (Conn, bool) {
	conns := p.idle[target]
	for len(conns) > 0 {
		last := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if last.conn.Reusable() {
			p.setIdle(target, conns)
			return last.conn, true
		}
		last.conn.Close()
	}
	p.setIdle(target, conns)
	return nil, false
}

// Release returns c to the pool. It reports false and closes c when c is
// not reusable, the pool is closed or the target is at capacity.
// Releasing a connection that is already pooled is a no-op.
func (p *Pool) Release(c Conn) bool {
	if p.contains(c) {
		return true
	}
	target := c.Target()
	if p.closed || !c.Reusable() || len(p.idle[target]) >= p.maxIdle {
		c.Close()
		return false
	}
	p.idle[target] = append(p.idle[target], idleConn{conn: c, since: p.now()})
	return true
}

// Evict removes c from the pool if present and closes it.
func (p *Pool) Evict(c Conn) {
	target := c.Target()
	conns := p.idle[target]
	for i, ic := range conns {
		if ic.conn == c {
			conns = append(conns[:i], conns[i+1:]...)
			p.setIdle(target, conns)
			break
		}
	}
	c.Close()
}

// Sweep closes connections idle since before now minus the idle timeout
// and returns how many were closed.
func (p *Pool) Sweep(now time.Time) int {
	if p.idleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-p.idleTimeout)
	closed := 0
	for target, conns := range p.idle {
		kept := conns[:0]
		for _, ic := range conns {
			if ic.since.Before(cutoff) || !ic.conn.Reusable() {
				ic.conn.Close()
				closed++
				continue
			}
			kept = append(kept, ic)
		}
		p.setIdle(target, kept)
	}
	return closed
}

// Len returns the number of idle connections across all targets.
func (p *Pool) Len() int {
	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

// Close closes every idle connection. Later releases close their
// connection instead of pooling it.
func (p *Pool) Close() {
	p.closed = true
	for target, conns := range p.idle {
		for _, ic := range conns {
			ic.conn.Close()
		}
		delete(p.idle, target)
	}
}

func (p *Pool) contains(c Conn) bool {
	for _, ic := range p.idle[c.Target()] {
		if ic.conn == c {
			return true
		}
	}
	return false
}

func (p *Pool) setIdle(target string, conns []idleConn) {
	if len(conns) == 0 {
		delete(p.idle, target)
		return
	}
	p.idle[target] = conns
}
