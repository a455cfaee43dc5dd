package clientpool

import (
	"sync"
	"testing"
)

func TestGetIsIdempotentPerHost(t *testing.T) {
	p := New()
	c1 := p.Get("example.com")
	c2 := p.Get("example.com")
	if c1 != c2 {
		t.Fatal("expected the same client for repeated Get calls on one host")
	}
	if p.ClientCount() != 1 {
		t.Fatalf("expected 1 cached client, got %d", p.ClientCount())
	}
}

func TestGetDistinctPerHost(t *testing.T) {
	p := New()
	a := p.Get("a.example.com")
	b := p.Get("b.example.com")
	if a == b {
		t.Fatal("expected distinct clients for distinct hosts")
	}
	if p.ClientCount() != 2 {
		t.Fatalf("expected 2 cached clients, got %d", p.ClientCount())
	}
}

func TestConcurrentGetConverges(t *testing.T) {
	p := New()
	const n = 50
	var wg sync.WaitGroup
	clients := make([]any, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			clients[i] = p.Get("shared.example.com")
		}(i)
	}
	wg.Wait()

	first := clients[0]
	for i, c := range clients {
		if c != first {
			t.Fatalf("client %d differs from client 0; pool did not converge on one client", i)
		}
	}
	if p.ClientCount() != 1 {
		t.Fatalf("expected exactly 1 cached client after race, got %d", p.ClientCount())
	}
}

func TestClearDropsClients(t *testing.T) {
	p := New()
	p.Get("example.com")
	if p.ClientCount() != 1 {
		t.Fatalf("expected 1 client before Clear, got %d", p.ClientCount())
	}
	p.Clear()
	if p.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Clear, got %d", p.ClientCount())
	}
}
