// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor is one remote identity's token bucket together with the rule it
// was built from and the time it was last consulted.
type visitor struct {
	limiter  *rate.Limiter
	rps      float64
	burst    int
	lastSeen time.Time
}

// Admission keeps a token bucket per remote identity. Buckets are created
// lazily on first sight and dropped again after an idle period so the map
// does not grow with every address that ever connected.
type Admission struct {
	mutex    sync.Mutex
	visitors map[string]*visitor

	stopSyn chan struct{}
	stopAck chan struct{}
}

const (
	visitorIdleLimit   = 3 * time.Minute
	visitorSweepPeriod = time.Minute
)

func NewAdmission() *Admission {
	a := &Admission{
		visitors: make(map[string]*visitor),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	go a.sweeper()
	return a
}

// Allow reports whether the identity may pass under the given rule. The
// rule is passed per call because policy snapshots may be replaced at
// runtime; a bucket built under a stale rule is rebuilt on the spot.
func (a *Admission) Allow(identity string, rps float64, burst int) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	v, ok := a.visitors[identity]
	if !ok || v.rps != rps || v.burst != burst {
		// The configured burst is the headroom beyond the steady rate. The
		// bucket still needs room for at least one token, otherwise the
		// very first request of a fresh identity would be dropped.
		capacity := burst
		if capacity < 1 {
			capacity = 1
		}
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(rps), capacity),
			rps:     rps,
			burst:   burst,
		}
		a.visitors[identity] = v
	}
	v.lastSeen = time.Now()

	return v.limiter.Allow()
}

func (a *Admission) sweeper() {
	ticker := time.NewTicker(visitorSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopSyn:
			close(a.stopAck)
			return

		case <-ticker.C:
			a.mutex.Lock()
			for identity, v := range a.visitors {
				if time.Since(v.lastSeen) > visitorIdleLimit {
					delete(a.visitors, identity)
				}
			}
			a.mutex.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (a *Admission) Close() {
	close(a.stopSyn)
	<-a.stopAck
}
