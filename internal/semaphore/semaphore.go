// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package semaphore provides a byte-counting admission gate. lib/utp's
// Stream facade takes from one per queued write buffer, but each
// connection creates its gate with zero capacity, so queued write data is
// not bounded. A semaphore of zero capacity is a no-op: Take/Give never block.
package semaphore

import "sync"

// Semaphore is a weighted semaphore: Take(n) reserves n units, blocking
// until they're available; Give(n) releases them. SetCapacity changes
// the total budget, waking blocked takers if it grows.
type Semaphore struct {
	mut       sync.Mutex
	cond      *sync.Cond
	capacity  int
	available int
}

// New returns a semaphore with the given total capacity. A capacity of 0
// means "unbounded" (Take/Give are no-ops).
func New(capacity int) *Semaphore {
	s := &Semaphore{capacity: capacity, available: capacity}
	s.cond = sync.NewCond(&s.mut)
	return s
}

// Take blocks until n units are available, then reserves them. A request
// larger than the capacity reserves the whole capacity instead.
func (s *Semaphore) Take(n int) {
	if s.capacity == 0 {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	for min(n, s.capacity) > s.available {
		s.cond.Wait()
	}
	s.available -= min(n, s.capacity)
}

// TakeWithin is like Take but gives up and returns false if done fires
// before n units become available.
func (s *Semaphore) TakeWithin(n int, done <-chan struct{}) bool {
	if s.capacity == 0 {
		return true
	}
	result := make(chan bool, 1)
	go func() {
		s.Take(n)
		result <- true
	}()
	select {
	case <-result:
		return true
	case <-done:
		go func() {
			<-result
			s.Give(n)
		}()
		return false
	}
}

// Give releases n units back to the pool; available never exceeds the
// capacity.
func (s *Semaphore) Give(n int) {
	if s.capacity == 0 {
		return
	}
	s.mut.Lock()
	s.available = min(s.available+n, s.capacity)
	s.mut.Unlock()
	s.cond.Broadcast()
}

// SetCapacity adjusts the total budget by the difference from the old
// capacity, keeping available within [0, capacity]; growing it wakes any
// blocked takers.
func (s *Semaphore) SetCapacity(capacity int) {
	s.mut.Lock()
	s.available += capacity - s.capacity
	s.capacity = capacity
	s.available = max(0, min(s.available, s.capacity))
	s.mut.Unlock()
	s.cond.Broadcast()
}

// Available reports the current free budget.
func (s *Semaphore) Available() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.available
}
