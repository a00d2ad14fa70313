package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/transport"
)

const (
	maxIDLength  = 64
	maxBatchBody = 8 << 20
)

// NodeAssignment returns the cluster URL the user's storage lives on.
func (a *API) NodeAssignment(w http.ResponseWriter, r *http.Request) {
	u := a.clusterURL
	if u == "" {
		u = requestBaseURL(r)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(u))
}

// InfoCollections maps each collection to its newest modification time.
func (a *API) InfoCollections(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	all, err := a.store.Collections(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	out := make(map[string]float64)
	for key, modified := range all {
		if name, ok := trimUser(user, key); ok {
			out[name] = record.SecondsFromMillis(modified)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteStorage wipes every collection belonging to the user.
func (a *API) DeleteStorage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	all, err := a.store.Collections(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	for key := range all {
		if _, ok := trimUser(user, key); !ok {
			continue
		}
		if err := a.store.Wipe(r.Context(), key); err != nil {
			mapError(w, err)
			return
		}
	}
	ts := a.clock.next()
	setTimestamp(w, ts)
	a.logger.Info("storage wiped", slog.String("user", user))
	writeJSON(w, http.StatusOK, DeleteResult{Modified: record.SecondsFromMillis(ts)})
}

// GetCollection lists records. Query parameters: newer, ids, full, sort
// (oldest, newest, index) and limit. With Accept: application/newlines the
// reply has one JSON value per line.
func (a *API) GetCollection(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))
	q := r.URL.Query()

	since, _ := transport.ParseTimestamp(q.Get("newer"))
	items, err := a.store.Since(r.Context(), key, since)
	if err != nil && !isMissing(err) {
		mapError(w, err)
		return
	}

	if ids := q.Get("ids"); ids != "" {
		want := strings.Split(ids, ",")
		items = slices.DeleteFunc(items, func(it *storage.Item) bool {
			return !slices.Contains(want, it.GUID)
		})
	}

	switch q.Get("sort") {
	case "newest":
		slices.Reverse(items)
	case "index":
		slices.SortStableFunc(items, func(x, y *storage.Item) int {
			return y.SortIndex - x.SortIndex
		})
	}

	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit >= 0 && limit < len(items) {
		items = items[:limit]
	}

	full := q.Get("full") != ""
	values := make([]any, 0, len(items))
	for _, it := range items {
		if full {
			values = append(values, toWBO(it))
		} else {
			values = append(values, it.GUID)
		}
	}

	w.Header().Set(transport.HeaderRecords, strconv.Itoa(len(values)))
	if strings.Contains(r.Header.Get("Accept"), transport.ContentTypeNewlines) {
		w.Header().Set("Content-Type", transport.ContentTypeNewlines)
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, v := range values {
			enc.Encode(v)
		}
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// PostCollection stores a batch of WBOs under one new timestamp.
func (a *API) PostCollection(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))

	if a.preconditionFailed(w, r, key, "") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	var batch []record.WBO
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch: "+err.Error())
		return
	}

	ts := a.clock.next()
	res := PostResult{
		Modified: record.SecondsFromMillis(ts),
		Success:  []string{},
		Failed:   map[string][]string{},
	}
	err = a.store.Batch(r.Context(), key, func(tx storage.BatchTx) error {
		for _, wbo := range batch {
			if reason := validateWBO(&wbo); reason != "" {
				res.Failed[wbo.ID] = append(res.Failed[wbo.ID], reason)
				continue
			}
			if err := tx.Put(fromWBO(&wbo, ts)); err != nil {
				return err
			}
			res.Success = append(res.Success, wbo.ID)
		}
		return nil
	})
	if err != nil {
		mapError(w, err)
		return
	}
	setTimestamp(w, ts)
	writeJSON(w, http.StatusOK, res)
}

// DeleteCollection removes the listed ids, or the whole collection when no
// ids are given.
func (a *API) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))

	var err error
	if ids := r.URL.Query().Get("ids"); ids != "" {
		err = a.store.Batch(r.Context(), key, func(tx storage.BatchTx) error {
			for _, id := range strings.Split(ids, ",") {
				if err := tx.Delete(id); err != nil && !isMissing(err) {
					return err
				}
			}
			return nil
		})
	} else {
		err = a.store.Wipe(r.Context(), key)
	}
	if err != nil && !isMissing(err) {
		mapError(w, err)
		return
	}
	ts := a.clock.next()
	setTimestamp(w, ts)
	writeJSON(w, http.StatusOK, DeleteResult{Modified: record.SecondsFromMillis(ts)})
}

// GetItem returns one WBO, or 304 when X-If-Modified-Since is not older
// than the item.
func (a *API) GetItem(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))
	item, err := a.store.Get(r.Context(), key, chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	if since, ok := transport.ParseTimestamp(r.Header.Get(transport.HeaderIfModifiedSince)); ok && item.Modified <= since {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, toWBO(item))
}

// PutItem stores one WBO and returns its new timestamp.
func (a *API) PutItem(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))
	id := chi.URLParam(r, "id")

	if a.preconditionFailed(w, r, key, id) {
		return
	}

	var wbo record.WBO
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&wbo); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return
	}
	wbo.ID = id
	if reason := validateWBO(&wbo); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	ts := a.clock.next()
	if err := a.store.Put(r.Context(), key, fromWBO(&wbo, ts)); err != nil {
		mapError(w, err)
		return
	}
	setTimestamp(w, ts)
	writeJSON(w, http.StatusOK, record.SecondsFromMillis(ts))
}

func (a *API) DeleteItem(w http.ResponseWriter, r *http.Request) {
	key := collectionKey(chi.URLParam(r, "user"), chi.URLParam(r, "collection"))
	if err := a.store.Delete(r.Context(), key, chi.URLParam(r, "id")); err != nil {
		mapError(w, err)
		return
	}
	ts := a.clock.next()
	setTimestamp(w, ts)
	writeJSON(w, http.StatusOK, DeleteResult{Modified: record.SecondsFromMillis(ts)})
}

// preconditionFailed answers 412 when X-If-Unmodified-Since is older than
// the collection (id empty) or the item.
func (a *API) preconditionFailed(w http.ResponseWriter, r *http.Request, key, id string) bool {
	since, ok := transport.ParseTimestamp(r.Header.Get(transport.HeaderIfUnmodifiedSince))
	if !ok {
		return false
	}
	var newest int64
	if id == "" {
		all, err := a.store.Collections(r.Context())
		if err != nil {
			mapError(w, err)
			return true
		}
		newest = all[key]
	} else {
		item, err := a.store.Get(r.Context(), key, id)
		switch {
		case err == nil:
			newest = item.Modified
		case isMissing(err):
		default:
			mapError(w, err)
			return true
		}
	}
	if newest > since {
		writeError(w, http.StatusPreconditionFailed, "modified since "+record.FormatSeconds(since))
		return true
	}
	return false
}

func validateWBO(w *record.WBO) string {
	switch {
	case w.ID == "":
		return "missing id"
	case len(w.ID) > maxIDLength:
		return "id too long"
	case w.Payload == "":
		return "missing payload"
	}
	return ""
}

func fromWBO(w *record.WBO, modified int64) *storage.Item {
	return &storage.Item{
		GUID:      w.ID,
		Modified:  modified,
		SortIndex: w.SortIndex,
		Payload:   []byte(w.Payload),
	}
}

func toWBO(it *storage.Item) *record.WBO {
	return &record.WBO{
		ID:        it.GUID,
		Modified:  record.SecondsFromMillis(it.Modified),
		SortIndex: it.SortIndex,
		Payload:   string(it.Payload),
	}
}
