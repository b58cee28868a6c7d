package pebblestore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"

	"github.com/kabili207/sosmesh-go/core/message"
	"github.com/kabili207/sosmesh-go/core/store"
	"github.com/kabili207/sosmesh-go/core/store/storetest"
)

func openTemp(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTemp(t, filepath.Join(t.TempDir(), "pebble"))
	})
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("msg/"), []byte("msg0")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}
	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestStore_PersistsAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble")
	ctx := context.Background()

	s := openTemp(t, path)
	for _, text := range []string{"one", "two"} {
		m := message.New("origin", message.Payload{Text: text}, 10)
		if _, err := s.InsertIfAbsent(ctx, m); err != nil {
			t.Fatalf("InsertIfAbsent() error = %v", err)
		}
	}
	// Keys outside the message prefix are ignored.
	if err := s.db.Set([]byte("zzz/other"), []byte("x"), pebble.NoSync); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openTemp(t, path)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("Count() after reopen = %d, %v, want 2", n, err)
	}
	all, err := reopened.All(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("All() after reopen = %d, %v", len(all), err)
	}
	for _, m := range all {
		if !m.LocallyAuthored {
			t.Errorf("message %s lost LocallyAuthored", m.ID)
		}
	}
}
