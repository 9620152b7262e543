package eventloop

import (
	"sync"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New(nil)
	l.Start()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Idle()

	if len(got) != 100 {
		t.Fatalf("expected 100 closures to run, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("index %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestGoPostsContinuation(t *testing.T) {
	l := New(nil)
	l.Start()
	defer l.Stop()

	var result string
	l.Go(func() func() {
		time.Sleep(10 * time.Millisecond)
		value := "loaded"
		return func() { result = value }
	})
	l.Idle()

	if result != "loaded" {
		t.Errorf("expected continuation to run, got %q", result)
	}
}

func TestGoNilContinuation(t *testing.T) {
	l := New(nil)
	l.Start()
	defer l.Stop()

	ran := false
	l.Go(func() func() {
		ran = true
		return nil
	})
	l.Idle()

	if !ran {
		t.Error("expected work to run")
	}
}

func TestAfterEachRunsOnLoop(t *testing.T) {
	count := 0
	l := New(func() { count++ })
	l.Start()
	defer l.Stop()

	l.Post(func() {})
	l.Post(func() {})
	l.Idle()

	if count != 2 {
		t.Errorf("expected afterEach twice, got %d", count)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New(nil)
	l.Start()
	defer l.Stop()

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Idle()

	if !ran {
		t.Error("loop should keep running after a panicking closure")
	}
}

func TestConcurrentPostersSingleThreaded(t *testing.T) {
	l := New(nil)
	l.Start()
	defer l.Stop()

	// counter is only touched on the loop, so no lock is needed.
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	l.Idle()

	if counter != 1000 {
		t.Errorf("expected 1000, got %d", counter)
	}
}

func TestPostAfterStopIsDropped(t *testing.T) {
	l := New(nil)
	l.Start()
	l.Stop()

	ran := false
	l.Post(func() { ran = true })
	time.Sleep(10 * time.Millisecond)

	if ran {
		t.Error("closure posted after Stop must not run")
	}
}
