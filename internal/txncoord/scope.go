package txncoord

import "sync"

// Scope is the transaction association of one delivery. It carries the
// imported transaction the delivery arrived with, if any, and the stack of
// transactions suspended while a NotSupported or bean-managed method runs.
type Scope struct {
	mu        sync.Mutex
	current   *Transaction
	suspended []*Transaction
}

// NewScope returns a scope whose ambient transaction is imported (may be nil).
func NewScope(imported *Transaction) *Scope {
	return &Scope{current: imported}
}

// Current returns the ambient transaction or nil.
func (s *Scope) Current() *Transaction {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Suspend disassociates the ambient transaction and pushes it on the
// suspended stack. It returns the suspended transaction, or nil when
// nothing was associated.
func (s *Scope) Suspend() *Transaction {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.current
	s.suspended = append(s.suspended, txn)
	s.current = nil
	return txn
}

// Resume restores the most recently suspended transaction.
func (s *Scope) Resume() *Transaction {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.suspended)
	if n == 0 {
		return s.current
	}
	s.current = s.suspended[n-1]
	s.suspended = s.suspended[:n-1]
	return s.current
}

// Suspended reports how many suspensions are outstanding.
func (s *Scope) Suspended() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suspended)
}
