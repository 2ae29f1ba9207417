package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := New()
	go l.Run()
	defer func() { l.Stop(); l.Wait() }()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted callback never ran")
	}
}

func TestAfterFiresOnce(t *testing.T) {
	l := New()
	go l.Run()
	defer func() { l.Stop(); l.Wait() }()

	var count int
	var mu sync.Mutex
	done := make(chan struct{})
	l.After(10*time.Millisecond, func() {
		mu.Lock()
		count++
		mu.Unlock()
		close(done)
	})

	<-done
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEveryRecurs(t *testing.T) {
	l := New()
	go l.Run()
	defer func() { l.Stop(); l.Wait() }()

	var mu sync.Mutex
	fires := 0
	done := make(chan struct{})
	l.Every(5*time.Millisecond, func() {
		mu.Lock()
		fires++
		n := fires
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recurring timer did not fire 3 times")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	l := New()
	go l.Run()
	defer func() { l.Stop(); l.Wait() }()

	fired := false
	id := l.After(20*time.Millisecond, func() { fired = true })
	l.Cancel(id)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired)
}

func TestStopEndsRun(t *testing.T) {
	l := New()
	go l.Run()

	l.Stop()
	select {
	case <-func() chan struct{} { ch := make(chan struct{}); go func() { l.Wait(); close(ch) }(); return ch }():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPostAfterStopIsNoop(t *testing.T) {
	l := New()
	go l.Run()
	l.Stop()
	l.Wait()

	assert.NotPanics(t, func() {
		l.Post(func() { t.Fatal("should not run") })
	})
}
