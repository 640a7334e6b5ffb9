package dnsprovider

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockResolver serves TXT answers from a mutable map.
type mockResolver struct {
	mu      sync.Mutex
	records map[string][]string
	err     error
}

func (m *mockResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	values, ok := m.records[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return values, nil
}

func (m *mockResolver) set(name string, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string][]string)
	}
	m.records[name] = values
}

func newTestVerifier(resolvers ...Resolver) *Verifier {
	return NewVerifierWithResolvers(resolvers, time.Millisecond, zerolog.Nop())
}

func TestCheckAllResolversMustAgree(t *testing.T) {
	const fqdn = "_acme-challenge.example.com."
	const value = "expected-value"

	r1 := &mockResolver{}
	r2 := &mockResolver{}
	v := newTestVerifier(r1, r2)
	ctx := context.Background()

	if v.Check(ctx, fqdn, value) {
		t.Error("Check() true with no records anywhere")
	}

	r1.set(fqdn, value)
	if v.Check(ctx, fqdn, value) {
		t.Error("Check() true while one resolver still misses the record")
	}

	r2.set(fqdn, "other", value)
	if !v.Check(ctx, fqdn, value) {
		t.Error("Check() false although every resolver serves the value")
	}
}

func TestCheckTreatsLookupErrorsAsNotVisible(t *testing.T) {
	r := &mockResolver{err: &net.DNSError{Err: "SERVFAIL", IsTemporary: true}}
	v := newTestVerifier(r)
	if v.Check(context.Background(), "_acme-challenge.example.com.", "x") {
		t.Error("Check() must report false on lookup errors")
	}
}

func TestAwaitPropagationSucceedsOnceVisible(t *testing.T) {
	const fqdn = "_acme-challenge.example.com."
	const value = "v"

	r := &mockResolver{}
	v := newTestVerifier(r)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.set(fqdn, value)
	}()

	ok, err := v.AwaitPropagation(context.Background(), fqdn, value, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("AwaitPropagation() error = %v", err)
	}
	if !ok {
		t.Error("AwaitPropagation() = false although the record appeared")
	}
}

func TestAwaitPropagationDeadline(t *testing.T) {
	v := newTestVerifier(&mockResolver{})
	ok, err := v.AwaitPropagation(context.Background(), "_acme-challenge.example.com.", "never",
		time.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatalf("AwaitPropagation() error = %v", err)
	}
	if ok {
		t.Error("AwaitPropagation() = true although the record never appeared")
	}
}

func TestAwaitPropagationCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := newTestVerifier(&mockResolver{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := v.AwaitPropagation(ctx, "_acme-challenge.example.com.", "never", time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("AwaitPropagation() must surface context cancellation")
	}
}
