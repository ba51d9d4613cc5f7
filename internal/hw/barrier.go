package hw

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Sfence orders all prior stores before any later store. Ring entries must
// be globally visible before the doorbell write that publishes them.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Lfence orders all prior loads before any later load. The phase bit of a
// completion entry must be read before the rest of the entry.
func Lfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence issues a full memory fence equivalent.
// Same implementation as Sfence - LOCK XADD provides full fence on x86-64.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
