package cell

import (
	"testing"
	"time"
)

func TestWaitForTimesOutWhenEmpty(t *testing.T) {
	c := New[int]()
	_, ok := c.WaitFor(20 * time.Millisecond)
	if ok {
		t.Error("WaitFor on empty cell returned ok=true")
	}
}

func TestSetThenWaitForReturnsValue(t *testing.T) {
	c := New[string]()
	c.Set("hello")
	v, ok := c.WaitFor(time.Second)
	if !ok || v != "hello" {
		t.Errorf("WaitFor() = (%q, %v), want (hello, true)", v, ok)
	}
}

func TestWaitForIsConsumerDrained(t *testing.T) {
	c := New[int]()
	c.Set(42)
	v, ok := c.WaitFor(time.Second)
	if !ok || v != 42 {
		t.Fatalf("first WaitFor() = (%d, %v), want (42, true)", v, ok)
	}
	if _, ok := c.Peek(); ok {
		t.Error("value still present after WaitFor drained it")
	}
}

func TestWaitForBlocksUntilSet(t *testing.T) {
	c := New[int]()
	done := make(chan int, 1)
	go func() {
		v, ok := c.WaitFor(time.Second)
		if !ok {
			v = -1
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	c.Set(7)

	select {
	case v := <-done:
		if v != 7 {
			t.Errorf("got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor never returned after Set")
	}
}

func TestClearEmptiesWithoutWaking(t *testing.T) {
	c := New[int]()
	c.Set(1)
	c.Clear()
	if _, ok := c.Peek(); ok {
		t.Error("value present after Clear")
	}
	if _, ok := c.WaitFor(20 * time.Millisecond); ok {
		t.Error("WaitFor returned ok=true after Clear")
	}
}
