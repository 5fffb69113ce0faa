// ABOUTME: Tests for the turn dedupe cache
// ABOUTME: Covers TTL expiry, size-capped eviction, and check/mark semantics

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_UnseenKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Check("turn-1"))
}

func TestMarkThenCheck(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.Mark("turn-1")
	assert.True(t, c.Check("turn-1"))
	assert.False(t, c.Check("turn-2"))
}

func TestCheck_ExpiredKey(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Mark("turn-1")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Check("turn-1"), "expired key must not count as seen")
}

func TestMark_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("d") // evicts "a"

	assert.False(t, c.Check("a"))
	assert.True(t, c.Check("b"))
	assert.True(t, c.Check("c"))
	assert.True(t, c.Check("d"))
}

func TestMark_RefreshMovesToBack(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("a") // refresh; "b" is now oldest
	c.Mark("d") // evicts "b"

	assert.True(t, c.Check("a"))
	assert.False(t, c.Check("b"))
}

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("turn-1"), "first caller marks and proceeds")
	assert.True(t, c.CheckAndMark("turn-1"), "second caller sees the mark")
	assert.True(t, c.Check("turn-1"))
}

func TestCheckAndMark_ExpiredKeyIsUnseen(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Mark("turn-1")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.CheckAndMark("turn-1"), "expired key is claimable again")
	assert.True(t, c.Check("turn-1"), "and the claim refreshes it")
}

func TestCheckAndMark_ExactlyOneWinner(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() { wins <- !c.CheckAndMark("turn-1") }()
	}

	var winners int
	for i := 0; i < 10; i++ {
		if <-wins {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestForget(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.Mark("turn-1")
	c.Forget("turn-1")
	assert.False(t, c.Check("turn-1"))

	c.Forget("never-seen") // no-op
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("turn-%d-%d", i, j)
				c.Mark(key)
				c.Check(key)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 100)
	c.Close()
	c.Close()
}
