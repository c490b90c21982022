package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBookFetchesBothSides(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset_id":"tok","bids":[{"price":"0.55","size":"100"}],"asks":[{"price":"0.57","size":"150"}]}`))
	}))
	defer srv.Close()

	src := NewBookSource(srv.URL, discardLogger())
	snap, err := src.Book(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Book() error = %v", err)
	}
	if snap.BestBid != 0.55 || snap.BestAsk != 0.57 {
		t.Errorf("snapshot = %+v, want bid 0.55 ask 0.57", snap)
	}
}

func TestBookToleratesOneSided(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset_id":"tok","bids":[{"price":"0.50","size":"100"}],"asks":[]}`))
	}))
	defer srv.Close()

	src := NewBookSource(srv.URL, discardLogger())
	snap, err := src.Book(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Book() error = %v, want nil for one-sided book", err)
	}
	if snap.BestBid != 0.50 || snap.BestAsk != 0 {
		t.Errorf("snapshot = %+v, want bid 0.50 ask 0", snap)
	}
}

func TestBookRejectsBothSidesEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset_id":"tok","bids":[],"asks":[]}`))
	}))
	defer srv.Close()

	src := NewBookSource(srv.URL, discardLogger())
	_, err := src.Book(context.Background(), "tok")
	if err != ErrEmptyBook {
		t.Fatalf("Book() error = %v, want ErrEmptyBook", err)
	}
}
