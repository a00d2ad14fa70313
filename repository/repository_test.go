package repository

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/storage/memory"
)

func TestLifecycle(t *testing.T) {
	var l Lifecycle
	assert.ErrorIs(t, l.Active(), ErrSessionNotActive)
	assert.ErrorIs(t, l.End(), ErrSessionNotActive)

	require.NoError(t, l.Begin())
	assert.ErrorIs(t, l.Begin(), ErrSessionAlreadyBegun)
	assert.NoError(t, l.Active())

	require.NoError(t, l.End())
	assert.ErrorIs(t, l.End(), ErrSessionFinished)
	assert.ErrorIs(t, l.Active(), ErrSessionFinished)
	assert.ErrorIs(t, l.Begin(), ErrSessionFinished)
}

func TestRecordError(t *testing.T) {
	inner := errors.New("bad")
	err := error(&RecordError{GUID: "g", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "g")

	var re *RecordError
	assert.True(t, errors.As(err, &re))
}

type clock struct{ t int64 }

func (c *clock) now() int64 {
	c.t += 10
	return c.t
}

func collect(t *testing.T) (*[]record.Record, *[]error, FetchFunc) {
	t.Helper()
	var recs []record.Record
	var errs []error
	return &recs, &errs, func(rec record.Record, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		recs = append(recs, rec)
		return nil
	}
}

func basic(guid string, modified int64, fields map[string]any) *record.BasicRecord {
	return &record.BasicRecord{ID: guid, CollectionName: "bookmarks", Modified: modified, Fields: fields}
}

func TestStoreRepository(t *testing.T) {
	ctx := t.Context()

	t.Run("RequiresBegin", func(t *testing.T) {
		repo := NewStoreRepository(memory.New(), "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		_, err = s.FetchSince(ctx, 0, func(record.Record, error) error { return nil })
		assert.ErrorIs(t, err, ErrSessionNotActive)
		assert.ErrorIs(t, s.Store(ctx, basic("g", 1, nil)), ErrSessionNotActive)

		require.NoError(t, s.Begin(ctx))
		require.NoError(t, s.Finish(ctx))
		assert.ErrorIs(t, s.Abort(ctx), ErrSessionFinished)
	})

	t.Run("StoreAndFetch", func(t *testing.T) {
		c := &clock{t: 1000}
		st := memory.New()
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{}, WithClock(c.now))
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))

		require.NoError(t, s.Store(ctx, basic("aaaaaaaaaaaa", 5, map[string]any{"title": "a"})))
		require.NoError(t, s.Store(ctx, basic("bbbbbbbbbbbb", 5, map[string]any{"title": "b"})))
		end, err := s.StoreDone(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1020), end)

		item, err := st.Get(ctx, "bookmarks", "aaaaaaaaaaaa")
		require.NoError(t, err)
		assert.Equal(t, int64(1010), item.Modified)
		assert.JSONEq(t, `{"id":"aaaaaaaaaaaa","title":"a"}`, string(item.Payload))
		require.NoError(t, s.Finish(ctx))

		// A fresh repository sees everything.
		other := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s2, err := other.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s2.Begin(ctx))
		recs, errs, fn := collect(t)
		end, err = s2.FetchSince(ctx, 0, fn)
		require.NoError(t, err)
		assert.Empty(t, *errs)
		require.Len(t, *recs, 2)
		assert.Equal(t, "aaaaaaaaaaaa", (*recs)[0].GUID())
		assert.Equal(t, int64(1020), end)

		guids, err := s2.GUIDsSince(ctx, 1010)
		require.NoError(t, err)
		assert.Equal(t, []string{"bbbbbbbbbbbb"}, guids)

		recs, _, fn = collect(t)
		require.NoError(t, s2.Fetch(ctx, []string{"bbbbbbbbbbbb", "missing"}, fn))
		require.Len(t, *recs, 1)
		assert.Equal(t, "b", (*recs)[0].(*record.BasicRecord).Fields["title"])
	})

	t.Run("StoredRecordsAreNotEchoed", func(t *testing.T) {
		st := memory.New()
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		require.NoError(t, st.Put(ctx, "bookmarks", &storage.Item{GUID: "local", Modified: 1, Payload: []byte(`{"id":"local"}`)}))

		in, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, in.Begin(ctx))
		require.NoError(t, in.Store(ctx, basic("fromserver01", 5, nil)))
		require.NoError(t, in.Finish(ctx))

		out, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, out.Begin(ctx))
		recs, _, fn := collect(t)
		end, err := out.FetchSince(ctx, 0, fn)
		require.NoError(t, err)
		require.Len(t, *recs, 1)
		assert.Equal(t, "local", (*recs)[0].GUID())

		stored, err := st.Get(ctx, "bookmarks", "fromserver01")
		require.NoError(t, err)
		assert.Equal(t, stored.Modified, end)
	})

	t.Run("IdenticalStoreIsNoop", func(t *testing.T) {
		c := &clock{t: 100}
		st := memory.New()
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{}, WithClock(c.now))
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		require.NoError(t, s.Store(ctx, basic("same", 50, map[string]any{"x": 1})))
		require.NoError(t, s.Store(ctx, basic("same", 500, map[string]any{"x": 1})))

		item, err := st.Get(ctx, "bookmarks", "same")
		require.NoError(t, err)
		assert.Equal(t, int64(110), item.Modified)
	})

	t.Run("NewerLocalCopyWins", func(t *testing.T) {
		st := memory.New()
		require.NoError(t, st.Put(ctx, "bookmarks", &storage.Item{GUID: "g", Modified: 900, Payload: []byte(`{"id":"g","v":"local"}`)}))
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		require.NoError(t, s.Store(ctx, basic("g", 800, map[string]any{"v": "remote"})))

		item, err := st.Get(ctx, "bookmarks", "g")
		require.NoError(t, err)
		assert.Contains(t, string(item.Payload), "local")

		require.NoError(t, s.Store(ctx, basic("g", 1000, map[string]any{"v": "remote"})))
		item, err = st.Get(ctx, "bookmarks", "g")
		require.NoError(t, err)
		assert.Contains(t, string(item.Payload), "remote")
	})

	t.Run("Tombstones", func(t *testing.T) {
		st := memory.New()
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		require.NoError(t, s.Store(ctx, &record.BasicRecord{ID: "dead", CollectionName: "bookmarks", IsDeleted: true}))

		item, err := st.Get(ctx, "bookmarks", "dead")
		require.NoError(t, err)
		assert.True(t, item.Deleted)

		other := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s2, err := other.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s2.Begin(ctx))
		recs, _, fn := collect(t)
		_, err = s2.FetchSince(ctx, 0, fn)
		require.NoError(t, err)
		require.Len(t, *recs, 1)
		assert.True(t, (*recs)[0].Deleted())
	})

	t.Run("UnreadableRecordReportedIndividually", func(t *testing.T) {
		st := memory.New()
		require.NoError(t, st.Put(ctx, "bookmarks", &storage.Item{GUID: "bad", Modified: 1, Payload: []byte(`not json`)}))
		require.NoError(t, st.Put(ctx, "bookmarks", &storage.Item{GUID: "good", Modified: 2, Payload: []byte(`{"id":"good"}`)}))
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		recs, errs, fn := collect(t)
		_, err = s.FetchSince(ctx, 0, fn)
		require.NoError(t, err)
		require.Len(t, *recs, 1)
		require.Len(t, *errs, 1)
		var re *RecordError
		require.ErrorAs(t, (*errs)[0], &re)
		assert.Equal(t, "bad", re.GUID)
	})

	t.Run("FetchFuncErrorStops", func(t *testing.T) {
		st := memory.New()
		for _, g := range []string{"a", "b", "c"} {
			require.NoError(t, st.Put(ctx, "bookmarks", &storage.Item{GUID: g, Modified: 1, Payload: []byte(`{"id":"` + g + `"}`)}))
		}
		repo := NewStoreRepository(st, "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		stop := errors.New("stop")
		n := 0
		_, err = s.FetchSince(ctx, 0, func(record.Record, error) error {
			n++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, n)
	})

	t.Run("RejectEncryptedRecord", func(t *testing.T) {
		repo := NewStoreRepository(memory.New(), "bookmarks", record.BasicFactory{})
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Begin(ctx))
		cr, err := record.FromWBO("bookmarks", &record.WBO{ID: "x", Payload: "{}"})
		require.NoError(t, err)
		var re *RecordError
		assert.ErrorAs(t, s.Store(ctx, cr), &re)
	})
}
