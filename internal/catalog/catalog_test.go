package catalog

import (
	"context"
	"testing"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertAndExists(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	hash := "aa00" + string(make([]byte, 60))
	ok, err := c.Exists(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected chunk to not exist yet")
	}

	if err := c.UpsertWithLocation(ctx, hash, 100, Location{ContainerID: "c1", Offset: 8, Length: 100}); err != nil {
		t.Fatalf("UpsertWithLocation: %v", err)
	}
	ok, err = c.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("expected chunk to exist: ok=%v err=%v", ok, err)
	}
}

func TestUpsertLocationImmutableOnceSet(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	hash := "bb"

	if err := c.UpsertWithLocation(ctx, hash, 10, Location{ContainerID: "first", Offset: 8, Length: 10}); err != nil {
		t.Fatal(err)
	}
	// A second writer racing for the same hash must not clobber the first location.
	if err := c.UpsertWithLocation(ctx, hash, 10, Location{ContainerID: "second", Offset: 99, Length: 10}); err != nil {
		t.Fatal(err)
	}
	loc, err := c.GetLocation(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if loc.ContainerID != "first" {
		t.Errorf("location was overwritten: got container %q, want %q", loc.ContainerID, "first")
	}
}

func TestCheckPartitionsExistingAndMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	if err := c.UpsertWithLocation(ctx, "h1", 1, Location{ContainerID: "c", Offset: 8, Length: 1}); err != nil {
		t.Fatal(err)
	}

	existing, missing, err := c.Check(ctx, []string{"h1", "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(existing) != 1 || existing[0] != "h1" {
		t.Errorf("existing = %v, want [h1]", existing)
	}
	if len(missing) != 1 || missing[0] != "h2" {
		t.Errorf("missing = %v, want [h2]", missing)
	}
}

func TestIncrementAndDecrementRefs(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	hash := "h3"
	if err := c.UpsertWithLocation(ctx, hash, 1, Location{ContainerID: "c", Offset: 8, Length: 1}); err != nil {
		t.Fatal(err)
	}

	tx, err := c.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := IncrementRefs(ctx, tx, []string{hash, hash}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	n, err := c.RefCount(ctx, hash)
	if err != nil || n != 2 {
		t.Fatalf("RefCount = %d, %v, want 2", n, err)
	}

	if err := c.DecrementRefs(ctx, []string{hash}); err != nil {
		t.Fatal(err)
	}
	n, _ = c.RefCount(ctx, hash)
	if n != 1 {
		t.Fatalf("RefCount after one decrement = %d, want 1", n)
	}

	if err := c.DecrementRefs(ctx, []string{hash}); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Exists(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected row to be deleted once ref_count reached 0")
	}
}

func TestIncrementRefsRejectsUnknownHash(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	tx, err := c.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := IncrementRefs(ctx, tx, []string{"nonexistent"}); err == nil {
		t.Fatal("expected error incrementing refs for unknown hash")
	}
}
