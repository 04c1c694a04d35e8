package imago

import (
	"sync"
	"testing"
)

func TestFailedUrlSetBasics(t *testing.T) {
	s := NewFailedUrlSet(nil)
	const url = "https://example.com/a.jpg"

	if s.Contains(url) {
		t.Fatalf("fresh set should not contain %q", url)
	}

	s.Add(url)
	if !s.Contains(url) {
		t.Fatalf("set should contain %q after Add", url)
	}

	s.Remove(url)
	if s.Contains(url) {
		t.Fatalf("set should not contain %q after Remove", url)
	}
}

func TestFailedUrlSetClear(t *testing.T) {
	s := NewFailedUrlSet(nil)
	s.Add("a")
	s.Add("b")
	s.Clear()
	if s.Contains("a") || s.Contains("b") {
		t.Fatalf("Clear should empty the set")
	}
}

func TestFailedUrlSetConcurrentAccess(t *testing.T) {
	// Exercises the barrier-write discipline: concurrent reads alongside
	// exclusive writes must not race or panic (run with -race in CI).
	s := NewFailedUrlSet(nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Add(urlFor(i))
		}(i)
		go func(i int) {
			defer wg.Done()
			s.Contains(urlFor(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if !s.Contains(urlFor(i)) {
			t.Fatalf("expected %q to be present after concurrent adds", urlFor(i))
		}
	}
}

func urlFor(i int) string {
	return "https://example.com/" + string(rune('a'+i%26)) + "/img"
}
