// Package storetest holds the behaviour every docstore backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("PutIfVersion", func(t *testing.T) { testPutIfVersion(t, newStore(t)) })
	t.Run("PutMissing", func(t *testing.T) { testPutMissing(t, newStore(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, newStore(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, newStore(t)) })
	t.Run("QueryOrderAndPage", func(t *testing.T) { testQueryOrderAndPage(t, newStore(t)) })
	t.Run("CollectionsIsolated", func(t *testing.T) { testCollectionsIsolated(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	v, err := s.Create(ctx, "auctions", "a1", []byte(`{"status":"active"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := s.Get(ctx, "auctions", "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != v {
		t.Fatalf("version = %d, want %d", doc.Version, v)
	}
	if doc.ID != "a1" || string(doc.Data) != `{"status":"active"}` {
		t.Fatalf("doc = %s %s, want a1 {\"status\":\"active\"}", doc.ID, doc.Data)
	}
	if _, err := s.Get(ctx, "auctions", "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
}

func testCreateDuplicate(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.Create(ctx, "orders", "o1", []byte(`{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "orders", "o1", []byte(`{"x":"y"}`)); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("duplicate create err = %v, want ErrAlreadyExists", err)
	}
	doc, err := s.Get(ctx, "orders", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc.Data) != `{}` {
		t.Fatalf("data = %s, want original {}", doc.Data)
	}
}

func testPutIfVersion(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	v1, err := s.Create(ctx, "listings", "l1", []byte(`{"n":"1"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	v2, err := s.PutIfVersion(ctx, "listings", "l1", []byte(`{"n":"2"}`), v1)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v2 == v1 {
		t.Fatalf("version unchanged after put: %d", v2)
	}
	if _, err := s.PutIfVersion(ctx, "listings", "l1", []byte(`{"n":"3"}`), v1); !errors.Is(err, docstore.ErrVersionConflict) {
		t.Fatalf("stale put err = %v, want ErrVersionConflict", err)
	}
	doc, err := s.Get(ctx, "listings", "l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc.Data) != `{"n":"2"}` || doc.Version != v2 {
		t.Fatalf("doc = %s@%d, want {\"n\":\"2\"}@%d", doc.Data, doc.Version, v2)
	}
}

func testPutMissing(t *testing.T, s docstore.Store) {
	_, err := s.PutIfVersion(context.Background(), "listings", "nope", []byte(`{}`), 1)
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("put missing err = %v, want ErrNotFound", err)
	}
}

func testConcurrentPut(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	v, err := s.Create(ctx, "auctions", "race", []byte(`{}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PutIfVersion(ctx, "auctions", "race", []byte(fmt.Sprintf(`{"w":"%d"}`, i)), v)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, docstore.ErrVersionConflict) {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("%d writers succeeded against one version, want 1", succeeded)
	}
}

func testQueryFilters(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	mustCreate(t, s, "auctions", "a1", `{"status":"active","seller_id":"s1","current_high_bid_eur":"12.5"}`)
	mustCreate(t, s, "auctions", "a2", `{"status":"active","seller_id":"s2","current_high_bid_eur":null}`)
	mustCreate(t, s, "auctions", "a3", `{"status":"settled","seller_id":"s1","current_high_bid_eur":"30"}`)
	mustCreate(t, s, "auctions", "a4", `{"status":"active","seller_id":"s1","current_high_bid_eur":"20"}`)

	cases := []struct {
		name  string
		where []docstore.Condition
		want  []string
	}{
		{"eq status", []docstore.Condition{docstore.Eq("status", "active")}, []string{"a4", "a2", "a1"}},
		{"eq two fields", []docstore.Condition{docstore.Eq("status", "active"), docstore.Eq("seller_id", "s1")}, []string{"a4", "a1"}},
		{"at most or null", []docstore.Condition{docstore.AtMostOrNull("current_high_bid_eur", decimal.NewFromInt(15))}, []string{"a2", "a1"}},
		{"at most", []docstore.Condition{docstore.AtMost("current_high_bid_eur", decimal.NewFromInt(20))}, []string{"a4", "a1"}},
		{"no match", []docstore.Condition{docstore.Eq("status", "cancelled")}, nil},
	}
	for _, tc := range cases {
		docs, err := s.Query(ctx, "auctions", docstore.Query{Where: tc.where})
		if err != nil {
			t.Fatalf("%s: query: %v", tc.name, err)
		}
		if got := ids(docs); !equal(got, tc.want) {
			t.Fatalf("%s: ids = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func testQueryOrderAndPage(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3", "b4", "b5"} {
		mustCreate(t, s, "bids", id, `{"auction_id":"a1"}`)
	}

	docs, err := s.Query(ctx, "bids", docstore.Query{Where: []docstore.Condition{docstore.Eq("auction_id", "a1")}, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got, want := ids(docs), []string{"b4", "b3"}; !equal(got, want) {
		t.Fatalf("page = %v, want %v", got, want)
	}

	docs, err = s.Query(ctx, "bids", docstore.Query{Offset: 3})
	if err != nil {
		t.Fatalf("query offset: %v", err)
	}
	if got, want := ids(docs), []string{"b2", "b1"}; !equal(got, want) {
		t.Fatalf("offset only = %v, want %v", got, want)
	}
}

func testCollectionsIsolated(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	mustCreate(t, s, "listings", "x", `{}`)
	if _, err := s.Get(ctx, "auctions", "x"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("cross-collection get err = %v, want ErrNotFound", err)
	}
	docs, err := s.Query(ctx, "auctions", docstore.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("auctions query returned %d docs, want 0", len(docs))
	}
}

func mustCreate(t *testing.T, s docstore.Store, collection, id, data string) {
	t.Helper()
	if _, err := s.Create(context.Background(), collection, id, []byte(data)); err != nil {
		t.Fatalf("create %s/%s: %v", collection, id, err)
	}
}

func ids(docs []docstore.Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
