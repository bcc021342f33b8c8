package tsdb_test

import (
	"sync"
	"time"
)

// incrementingClock hands out a timestamp one second past the previous
// one on every call, making tests that rely on wall-clock timestamps
// deterministic.
type incrementingClock struct {
	lock sync.Mutex
	now  int64
}

func (c *incrementingClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now++
	return time.Unix(c.now, 0)
}

// capturingErrorLogger records the errors reported to it.
type capturingErrorLogger struct {
	lock   sync.Mutex
	errors []error
}

func (el *capturingErrorLogger) Log(err error) {
	el.lock.Lock()
	defer el.lock.Unlock()
	el.errors = append(el.errors, err)
}

func (el *capturingErrorLogger) Errors() []error {
	el.lock.Lock()
	defer el.lock.Unlock()
	return el.errors
}
