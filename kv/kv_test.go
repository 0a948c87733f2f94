package kv_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/mergeparty/kv"
	"github.com/outofforest/qa"
)

func stores() map[string]func(t *testing.T, ctx context.Context) kv.Store {
	return map[string]func(t *testing.T, ctx context.Context) kv.Store{
		"memory": func(_ *testing.T, _ context.Context) kv.Store {
			return kv.NewMemory()
		},
		"bolt": func(t *testing.T, ctx context.Context) kv.Store {
			s, err := kv.OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T, ctx context.Context) kv.Store {
			s, err := kv.OpenSQLite(ctx, filepath.Join(t.TempDir(), "kv.sqlite"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T, ctx context.Context) kv.Store {
			srv := miniredis.RunT(t)
			s, err := kv.OpenRedis(ctx, kv.RedisConfig{Addr: srv.Addr()})
			require.NoError(t, err)
			return s
		},
		"prefixed": func(t *testing.T, ctx context.Context) kv.Store {
			parent := kv.NewMemory()
			require.NoError(t, parent.Put(ctx, "other/a", []byte{0x01}))
			return kv.WithPrefix(parent, "room/")
		},
		"postgres": func(t *testing.T, ctx context.Context) kv.Store {
			url := os.Getenv("MERGEPARTY_TEST_POSTGRES")
			if url == "" {
				t.Skip("MERGEPARTY_TEST_POSTGRES not set")
			}
			s, err := kv.OpenPostgres(ctx, url)
			require.NoError(t, err)
			parent := kv.WithPrefix(s, t.Name()+"/")
			entries, err := parent.List(ctx, "")
			require.NoError(t, err)
			for k := range entries {
				require.NoError(t, parent.Delete(ctx, k))
			}
			t.Cleanup(func() {
				_ = s.Close()
			})
			return parent
		},
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)
			s := open(t, ctx)
			defer s.Close()

			_, exists, err := s.Get(ctx, "missing")
			requireT.NoError(err)
			requireT.False(exists)

			requireT.NoError(s.Put(ctx, "doc.snapshot", []byte{0x01, 0x02}))
			v, exists, err := s.Get(ctx, "doc.snapshot")
			requireT.NoError(err)
			requireT.True(exists)
			requireT.Equal([]byte{0x01, 0x02}, v)

			requireT.NoError(s.Put(ctx, "doc.snapshot", []byte{0x03}))
			v, _, err = s.Get(ctx, "doc.snapshot")
			requireT.NoError(err)
			requireT.Equal([]byte{0x03}, v)

			requireT.NoError(s.Delete(ctx, "doc.snapshot"))
			_, exists, err = s.Get(ctx, "doc.snapshot")
			requireT.NoError(err)
			requireT.False(exists)

			requireT.NoError(s.Delete(ctx, "doc.snapshot"))
		})
	}
}

func TestMapValuesAreJSONCompatible(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)
			s := open(t, ctx)
			defer s.Close()

			requireT.NoError(s.Put(ctx, "doc.snapshot", map[string]any{
				"0":      7,
				"nested": map[int]any{1: 8},
			}))

			entries, err := s.List(ctx, "doc.")
			requireT.NoError(err)
			data, err := json.Marshal(entries)
			requireT.NoError(err)
			requireT.JSONEq(`{"doc.snapshot":{"0":7,"nested":{"1":8}}}`, string(data))
		})
	}
}

func TestList(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)
			s := open(t, ctx)
			defer s.Close()

			requireT.NoError(s.Put(ctx, "a.1", []byte{0x01}))
			requireT.NoError(s.Put(ctx, "a.2", []byte{0x02}))
			requireT.NoError(s.Put(ctx, "b.1", []byte{0x03}))

			entries, err := s.List(ctx, "a.")
			requireT.NoError(err)
			requireT.Equal(map[string]any{
				"a.1": []byte{0x01},
				"a.2": []byte{0x02},
			}, entries)

			entries, err = s.List(ctx, "")
			requireT.NoError(err)
			requireT.Len(entries, 3)

			entries, err = s.List(ctx, "c")
			requireT.NoError(err)
			requireT.Empty(entries)
		})
	}
}

func TestStringValues(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)
			s := open(t, ctx)
			defer s.Close()

			requireT.NoError(s.Put(ctx, "test-manual-storage", `{"hello":"world"}`))
			v, exists, err := s.Get(ctx, "test-manual-storage")
			requireT.NoError(err)
			requireT.True(exists)
			requireT.Equal(`{"hello":"world"}`, v)
		})
	}
}

func TestMemoryCopiesBytes(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	s := kv.NewMemory()
	value := []byte{0x01, 0x02}
	requireT.NoError(s.Put(ctx, "k", value))
	value[0] = 0xff

	v, _, err := s.Get(ctx, "k")
	requireT.NoError(err)
	requireT.Equal([]byte{0x01, 0x02}, v)

	v.([]byte)[1] = 0xff
	v, _, err = s.Get(ctx, "k")
	requireT.NoError(err)
	requireT.Equal([]byte{0x01, 0x02}, v)
}

func TestMemoryClosed(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	s := kv.NewMemory()
	requireT.NoError(s.Close())

	_, _, err := s.Get(ctx, "k")
	requireT.ErrorIs(err, kv.ErrClosed)
	requireT.ErrorIs(s.Put(ctx, "k", []byte{0x01}), kv.ErrClosed)
}

func TestPrefixIsolation(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	parent := kv.NewMemory()
	room1 := kv.WithPrefix(parent, "room1/")
	room2 := kv.WithPrefix(parent, "room2/")

	requireT.NoError(room1.Put(ctx, "doc", []byte{0x01}))
	requireT.NoError(room2.Put(ctx, "doc", []byte{0x02}))

	v, _, err := room1.Get(ctx, "doc")
	requireT.NoError(err)
	requireT.Equal([]byte{0x01}, v)

	entries, err := room2.List(ctx, "")
	requireT.NoError(err)
	requireT.Equal(map[string]any{"doc": []byte{0x02}}, entries)

	entries, err = parent.List(ctx, "")
	requireT.NoError(err)
	requireT.Equal(map[string]any{
		"room1/doc": []byte{0x01},
		"room2/doc": []byte{0x02},
	}, entries)
}

func TestBoltPersists(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := kv.OpenBolt(path)
	requireT.NoError(err)
	requireT.NoError(s.Put(ctx, "doc", []byte{0x07}))
	requireT.NoError(s.Close())

	s, err = kv.OpenBolt(path)
	requireT.NoError(err)
	defer s.Close()

	v, exists, err := s.Get(ctx, "doc")
	requireT.NoError(err)
	requireT.True(exists)
	requireT.Equal([]byte{0x07}, v)
}
