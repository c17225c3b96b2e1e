package chainadapter

import "sync"

// Latch is the fatal-error latch design note (spec.md §9): a state variable,
// not an exception channel. Once Set is called with a latching Kind, Get
// returns it forever until an operator calls Clear. pollDeposits/
// processPending and every mutating API method must check Get and
// short-circuit.
type Latch struct {
	mu  sync.RWMutex
	err *Error
}

// Get returns the stored fatal error, or nil if the adapter is healthy.
func (l *Latch) Get() *Error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Set stores err as the adapter's fatal condition if err's Kind latches and
// no error is already latched (first fatal error wins, per §9). Non-latching
// kinds are ignored.
func (l *Latch) Set(err *Error) {
	if err == nil || !err.Kind.Latches() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Clear releases the latch. Only an operator (never adapter code) calls this.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = nil
}
