package hlc

import "testing"

func TestNowMonotonic(t *testing.T) {
	c := New()
	prev := c.Now()
	for n := 0; n < 10_000; n++ {
		cur := c.Now()
		if cur <= prev {
			t.Fatalf("ticks went backwards: %d then %d", prev, cur)
		}
		prev = cur
	}
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	c := New()
	local := c.Now()
	remote := local + (1 << 20) // far ahead of us
	merged := c.Observe(remote)
	if merged <= remote {
		t.Fatalf("merged tick %d not past remote %d", merged, remote)
	}
	if next := c.Now(); next <= merged {
		t.Fatalf("Now() after Observe not monotonic: %d <= %d", next, merged)
	}
}

func TestWallCounterSplit(t *testing.T) {
	c := New()
	a := c.Now()
	b := c.Now()
	if a.Wall() > b.Wall() {
		t.Fatalf("wall portion decreased")
	}
	if a.Wall() == b.Wall() && b.Counter() == 0 {
		t.Fatalf("same wall reading must bump counter")
	}
}
