package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	locks := New[string]()
	counter := 0
	var group sync.WaitGroup
	for i := 0; i < 64; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_ = locks.Do("chain-a", func() error {
				current := counter
				current++
				counter = current
				return nil
			})
		}()
	}
	group.Wait()
	if counter != 64 {
		t.Fatalf("expected 64 serialized increments, got %d", counter)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected released entries to be dropped, got %d", locks.Len())
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	locks := New[string]()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	if locks.Len() != 1 {
		t.Fatalf("expected only key a to remain, got %d", locks.Len())
	}
	unlockA()
}
