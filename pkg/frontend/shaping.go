package frontend

// Write shaping keeps writes on a fresh or idle TLS connection small, so
// the first bytes of a response arrive in a record the client can decrypt
// without waiting for a full 16 KiB record. The limit grows with the bytes
// written and is lifted once the connection is warm.

// GetWriteLimit returns the largest chunk Write may send as one write, or
// -1 when output is not limited.
func (h *ClientHandler) GetWriteLimit() int {
	if h.tls == nil {
		return -1
	}
	s := h.cfg.Shaping
	if h.idleExpired() {
		return s.Floor
	}
	if h.warmupWritten >= s.WarmupThreshold {
		return -1
	}
	if s.Ceiling <= s.Floor || s.WarmupThreshold <= 0 {
		return s.Floor
	}
	span := int64(s.Ceiling - s.Floor)
	return s.Floor + int(span*int64(h.warmupWritten)/int64(s.WarmupThreshold))
}

// UpdateWarmupWriteLen accounts n bytes written towards the warm-up
// threshold.
func (h *ClientHandler) UpdateWarmupWriteLen(n int) {
	if h.tls == nil || h.warmupWritten >= h.cfg.Shaping.WarmupThreshold {
		return
	}
	h.warmupWritten += n
}

// UpdateLastWriteTime records that output drained now. The idle gap
// resetting the write limit is measured from this point.
func (h *ClientHandler) UpdateLastWriteTime() {
	h.lastWriteTime = h.env.now()
}

// idleExpired reports whether the connection has been idle for longer
// than the shaping idle reset. Pending output means it is not idle.
func (h *ClientHandler) idleExpired() bool {
	if h.lastWriteTime.IsZero() || h.t.OutputLength() > 0 {
		return false
	}
	return h.env.now().Sub(h.lastWriteTime) > h.cfg.Shaping.IdleReset
}

// Write implements upstream.Handler. On TLS connections p is split into
// chunks no larger than the current write limit, each becoming one TLS
// record.
func (h *ClientHandler) Write(p []byte) {
	if h.state >= StateClosing || len(p) == 0 {
		return
	}
	if h.tls != nil && h.idleExpired() {
		h.warmupWritten = 0
		h.lastWriteTime = h.env.now()
	}
	for len(p) > 0 {
		n := len(p)
		if limit := h.GetWriteLimit(); limit > 0 && n > limit {
			n = limit
		}
		h.t.Write(p[:n])
		h.UpdateWarmupWriteLen(n)
		p = p[n:]
	}
}
