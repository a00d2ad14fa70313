// Package server is the remote repository: one collection on a storage
// server, reached through a transport.Client. Records it fetches and
// accepts are encrypted CryptoRecords; wrap it with middleware.Crypto to
// work in cleartext.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
	"github.com/jmcleod/ironsync/transport"
)

// DefaultBatchSize is the number of records sent per POST.
const DefaultBatchSize = 100

// UploadError lists the records the server refused in a POST.
type UploadError struct {
	Failed map[string][]string
}

func (e *UploadError) Error() string {
	guids := make([]string, 0, len(e.Failed))
	for g := range e.Failed {
		guids = append(guids, g)
	}
	sort.Strings(guids)
	return fmt.Sprintf("server rejected %d records: %s", len(guids), strings.Join(guids, ", "))
}

// Repository is a remote collection.
type Repository struct {
	client     transport.Client
	endpoint   transport.Endpoint
	collection string
	batchSize  int
	logger     *slog.Logger
}

var _ repository.Repository = (*Repository)(nil)

type Option func(*Repository)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithBatchSize sets the number of records per upload. Values below one
// are ignored.
func WithBatchSize(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New returns the remote repository for collection under clusterURL.
func New(client transport.Client, clusterURL, username, collection string, opts ...Option) *Repository {
	r := &Repository{
		client:     client,
		endpoint:   transport.NewEndpoint(clusterURL, username),
		collection: collection,
		batchSize:  DefaultBatchSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("collection", collection), slog.String("repository", "server"))
	return r
}

func (r *Repository) CreateSession(_ context.Context) (repository.Session, error) {
	return &session{repo: r}, nil
}

type session struct {
	repository.Lifecycle
	repo *Repository

	mu        sync.Mutex
	pending   []*record.WBO
	storedEnd int64
	failed    map[string][]string
}

func (s *session) Begin(_ context.Context) error {
	return s.Lifecycle.Begin()
}

func (s *session) collectionURL(q url.Values) string {
	u := s.repo.endpoint.Collection(s.repo.collection)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func newlinesHeader() http.Header {
	return http.Header{"Accept": {transport.ContentTypeNewlines}}
}

// FetchSince streams records newer than since, oldest first. The returned
// timestamp is the server's X-Weave-Timestamp when present.
func (s *session) FetchSince(ctx context.Context, since int64, fn repository.FetchFunc) (int64, error) {
	if err := s.Active(); err != nil {
		return 0, err
	}
	q := url.Values{"full": {"1"}, "sort": {"oldest"}}
	if since > 0 {
		q.Set("newer", record.FormatSeconds(since))
	}
	resp, err := s.repo.client.Get(ctx, s.collectionURL(q), newlinesHeader())
	if transport.IsNotFound(err) {
		return since, nil
	}
	if err != nil {
		return 0, err
	}

	end, err := s.deliver(resp.Body, since, fn)
	if err != nil {
		return 0, err
	}
	if ts, ok := resp.Timestamp(); ok {
		end = max(end, ts)
	}
	return end, nil
}

func (s *session) Fetch(ctx context.Context, guids []string, fn repository.FetchFunc) error {
	if err := s.Active(); err != nil {
		return err
	}
	if len(guids) == 0 {
		return nil
	}
	q := url.Values{"full": {"1"}, "ids": {strings.Join(guids, ",")}}
	resp, err := s.repo.client.Get(ctx, s.collectionURL(q), newlinesHeader())
	if transport.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.deliver(resp.Body, 0, fn)
	return err
}

// deliver parses one WBO per line and returns the newest modified time seen.
func (s *session) deliver(body []byte, since int64, fn repository.FetchFunc) (int64, error) {
	end := since
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		w, err := record.ParseWBO(line)
		if err != nil {
			s.repo.logger.Warn("skipping malformed WBO", slog.Any("error", err))
			if err := fn(nil, &repository.RecordError{Err: err}); err != nil {
				return 0, err
			}
			continue
		}
		cr, err := record.FromWBO(s.repo.collection, w)
		if err != nil {
			if err := fn(nil, &repository.RecordError{GUID: w.ID, Err: err}); err != nil {
				return 0, err
			}
			continue
		}
		end = max(end, cr.LastModified())
		if err := fn(cr, nil); err != nil {
			return 0, err
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("reading %s response: %w", s.repo.collection, err)
	}
	return end, nil
}

func (s *session) GUIDsSince(ctx context.Context, since int64) ([]string, error) {
	if err := s.Active(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if since > 0 {
		q.Set("newer", record.FormatSeconds(since))
	}
	resp, err := s.repo.client.Get(ctx, s.collectionURL(q), http.Header{"Accept": {transport.ContentTypeJSON}})
	if transport.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var guids []string
	if err := json.Unmarshal(resp.Body, &guids); err != nil {
		return nil, fmt.Errorf("%w: id list: %v", record.ErrMalformedWBO, err)
	}
	return guids, nil
}

// Store queues an encrypted record, posting a batch once enough are queued.
func (s *session) Store(ctx context.Context, rec record.Record) error {
	if err := s.Active(); err != nil {
		return err
	}
	cr, err := rec.CryptoRecord()
	if err != nil {
		return &repository.RecordError{GUID: rec.GUID(), Err: err}
	}
	w, err := cr.ToWBO()
	if err != nil {
		return &repository.RecordError{GUID: rec.GUID(), Err: err}
	}

	s.mu.Lock()
	s.pending = append(s.pending, w)
	full := len(s.pending) >= s.repo.batchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

type postResult struct {
	Modified float64             `json:"modified"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
}

func (s *session) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}
	resp, err := s.repo.client.Post(ctx, s.collectionURL(nil), body, nil)
	if err != nil {
		return err
	}
	var res postResult
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return fmt.Errorf("%w: upload result: %v", record.ErrMalformedWBO, err)
	}

	modified := record.MillisFromSeconds(res.Modified)
	if ts, ok := resp.Timestamp(); ok && modified == 0 {
		modified = ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storedEnd = max(s.storedEnd, modified)
	for guid, reasons := range res.Failed {
		if s.failed == nil {
			s.failed = make(map[string][]string)
		}
		s.failed[guid] = reasons
	}
	s.repo.logger.Debug("uploaded batch",
		slog.Int("records", len(batch)),
		slog.Int("failed", len(res.Failed)))
	return nil
}

// StoreDone posts any queued records. Records the server refused are
// reported as an *UploadError after the last batch is sent.
func (s *session) StoreDone(ctx context.Context) (int64, error) {
	if err := s.Active(); err != nil {
		return 0, err
	}
	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failed) > 0 {
		return s.storedEnd, &UploadError{Failed: s.failed}
	}
	return s.storedEnd, nil
}

func (s *session) Finish(_ context.Context) error {
	return s.End()
}

// Abort drops queued records without sending them.
func (s *session) Abort(_ context.Context) error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return s.End()
}

// IsUploadError reports whether err carries per-record upload failures.
func IsUploadError(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}
