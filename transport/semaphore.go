package transport

import "sync"

// admissionSemaphore gates how many fetches Engine runs concurrently. It
// behaves like a counting semaphore but, unlike sync.WaitGroup, tolerates
// its capacity being raised or lowered at any time (including down to
// zero or below), which is what lets the pool optimiser resize live
// traffic without Engine needing to drain first.
type admissionSemaphore struct {
	cond  *sync.Cond
	lock  sync.Mutex
	count int
}

func newAdmissionSemaphore() *admissionSemaphore {
	s := &admissionSemaphore{}
	s.cond = sync.NewCond(&s.lock)
	return s
}

// Reset drops capacity to zero and wakes every waiter so each re-checks
// the new bound; waiters then block until Add raises capacity again.
func (s *admissionSemaphore) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.count = 0
	s.cond.Broadcast()
}

// Add adjusts capacity by delta, positive or negative, and wakes waiters
// if capacity is above zero so they can take one of the free slots.
func (s *admissionSemaphore) Add(delta int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.count += delta
	if s.count > 0 {
		s.cond.Broadcast()
	}
}

// Done releases one admission slot taken by Wait.
func (s *admissionSemaphore) Done() {
	s.Add(1)
}

// Wait blocks until at least one admission slot is available, then takes
// it; the caller releases it with Done.
func (s *admissionSemaphore) Wait() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for s.count <= 0 {
		s.cond.Wait()
	}
	s.count--
}
