// Package utils holds test helpers shared by the server and client packages.
package utils

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"time"
)

// GoroutineLeakDetector compares the goroutines alive before and after a
// test body. Goroutines whose stack mentions an ignored function are not
// counted.
type GoroutineLeakDetector struct {
	t              testing.TB
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	ignored        []string
}

// NewGoroutineLeakDetector creates a new goroutine leak detector
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  100 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
		ignored: []string{
			"testing.(*T).Run",
			"testing.tRunner",
			"runtime.goexit",
		},
	}
}

// Start records the initial goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = d.count()
	d.t.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check fails the test when more goroutines than allowed outlived the body.
// The lowest of a few samples is used since shutdown may still be running.
func (d *GoroutineLeakDetector) Check() {
	time.Sleep(d.stabilizeDelay)

	finalCount := d.count()
	for i := 0; i < 2; i++ {
		time.Sleep(d.checkInterval)
		if c := d.count(); c < finalCount {
			finalCount = c
		}
	}

	leaked := finalCount - d.initialCount
	if leaked > d.allowedGrowth {
		d.t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
			d.initialCount, finalCount, leaked, d.allowedGrowth)
		d.t.Logf("Current goroutine stack traces:\n%s", stacks())
		return
	}
	d.t.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, finalCount)
}

// SetAllowedGrowth sets the number of goroutines allowed to grow
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the delay to allow goroutines to stabilize
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// Ignore excludes goroutines whose stack contains fn, for example a
// package-level worker started once per process
func (d *GoroutineLeakDetector) Ignore(fn ...string) *GoroutineLeakDetector {
	d.ignored = append(d.ignored, fn...)
	return d
}

// count returns the goroutines not matched by an ignore entry. The entries
// for the testing framework only match goroutines parked in it, so they are
// checked against the top frame.
func (d *GoroutineLeakDetector) count() int {
	n := 0
	for _, g := range bytes.Split(stacks(), []byte("\n\n")) {
		if len(bytes.TrimSpace(g)) == 0 {
			continue
		}
		if d.isIgnored(string(g)) {
			continue
		}
		n++
	}
	return n
}

func (d *GoroutineLeakDetector) isIgnored(stack string) bool {
	lines := strings.SplitN(stack, "\n", 3)
	if len(lines) < 2 {
		return false
	}
	top := lines[1]
	for _, fn := range d.ignored {
		if strings.HasPrefix(top, fn) {
			return true
		}
	}
	return false
}

func stacks() []byte {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
