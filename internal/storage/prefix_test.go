package storage

import (
	"errors"
	"testing"
)

func TestPrefixIsolation(t *testing.T) {
	inner := NewMemory()
	chain := NewPrefixDB(inner, []byte("chain/"))
	mempool := NewPrefixDB(inner, []byte("mempool/"))

	if err := chain.Put([]byte("tip"), []byte("100")); err != nil {
		t.Fatalf("put chain: %v", err)
	}
	if err := mempool.Put([]byte("tip"), []byte("abc")); err != nil {
		t.Fatalf("put mempool: %v", err)
	}

	got, err := chain.Get([]byte("tip"))
	if err != nil || string(got) != "100" {
		t.Fatalf("chain tip = %q, %v", got, err)
	}
	got, err = mempool.Get([]byte("tip"))
	if err != nil || string(got) != "abc" {
		t.Fatalf("mempool tip = %q, %v", got, err)
	}

	// The inner DB holds the fully qualified keys.
	if _, err := inner.Get([]byte("chain/tip")); err != nil {
		t.Fatalf("inner chain/tip: %v", err)
	}
}

func TestPrefixForEachStripsPrefix(t *testing.T) {
	inner := NewMemory()
	chain := NewPrefixDB(inner, []byte("chain/"))
	if err := chain.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := chain.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := inner.Put([]byte("other/a"), []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	seen := map[string]string{}
	err := chain.ForEach(nil, func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if len(seen) != 2 || seen["a"] != "1" || seen["b"] != "2" {
		t.Fatalf("seen = %v", seen)
	}
}

func TestPrefixDeleteAll(t *testing.T) {
	inner := NewMemory()
	chain := NewPrefixDB(inner, []byte("chain/"))
	mempool := NewPrefixDB(inner, []byte("mempool/"))

	if err := chain.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := chain.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mempool.Put([]byte("a"), []byte("3")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := chain.DeleteAll(); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	if _, err := chain.Get([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("chain/a survived: %v", err)
	}
	if got, err := mempool.Get([]byte("a")); err != nil || string(got) != "3" {
		t.Fatalf("mempool/a = %q, %v", got, err)
	}
}
