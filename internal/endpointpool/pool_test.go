package endpointpool

import (
	"context"
	"testing"
)

func TestAcquire_SameKeySharesHandle(t *testing.T) {
	p := New(nil)

	h1, err := p.Acquire(KindRequest, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h2, err := p.Acquire(KindRequest, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected concurrent acquires for the same key to return the same handle")
	}

	if err := p.Release(h1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if err := p.Release(h2); err != nil {
		t.Fatalf("release 2: %v", err)
	}
}

func TestRelease_DoubleReleaseReported(t *testing.T) {
	p := New(nil)

	h, err := p.Acquire(KindPublish, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := p.Release(h); err == nil {
		t.Fatal("expected an error reporting the double release")
	}
}

func TestAcquire_ReplyBindFailure(t *testing.T) {
	p := New(nil)

	// Acquire an ephemeral listener, then try to bind the same address again.
	h, err := p.Acquire(KindReply, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(h)

	_, err = p.Acquire(KindReply, h.Lis.Addr().String(), Options{})
	if err == nil {
		t.Fatal("expected a Bind EndpointError for an already-bound address")
	}
	var epErr *EndpointError
	if !asEndpointError(err, &epErr) {
		t.Fatalf("expected *EndpointError, got %T: %v", err, err)
	}
	if epErr.Kind != FailureBind {
		t.Fatalf("expected FailureBind, got %s", epErr.Kind)
	}
}

func TestCloseAll_ReleasesEveryHandle(t *testing.T) {
	p := New(nil)

	var order []string
	h1, _ := p.Acquire(KindRequest, "127.0.0.1:0", Options{})
	h2, _ := p.Acquire(KindPublish, "127.0.0.1:0", Options{})
	_ = h1
	_ = h2

	if err := p.CloseAll(context.Background()); err != nil {
		t.Fatalf("close_all: %v", err)
	}
	if len(p.entries) != 0 {
		t.Fatalf("expected all entries released, got %d remaining", len(p.entries))
	}
	_ = order
}

func asEndpointError(err error, target **EndpointError) bool {
	if e, ok := err.(*EndpointError); ok {
		*target = e
		return true
	}
	return false
}
