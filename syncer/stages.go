package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmcleod/ironsync/channel"
	"github.com/jmcleod/ironsync/keys"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository/middleware"
	"github.com/jmcleod/ironsync/repository/server"
	"github.com/jmcleod/ironsync/transport"
)

// CheckPreconditions loads the account and refuses to run while the server's
// backoff window is open.
type CheckPreconditions struct{}

func (CheckPreconditions) Execute(ctx context.Context, s *Session) error {
	creds, err := s.syncer.accounts.Credentials(ctx)
	if err != nil {
		return Abort(CauseReauthenticate, "loading account", fmt.Errorf("%w: %w", ErrNoCredentials, err))
	}
	if creds == nil {
		return Abort(CauseReauthenticate, "loading account", ErrNoCredentials)
	}
	bundle, err := creds.SyncKeyBundle()
	if err != nil {
		return Abort(CauseReauthenticate, "deriving sync key bundle", err)
	}

	if until := s.State().BackoffUntil(); s.Now().Before(until) {
		return Abort(CauseTransient, "server backoff in effect", &BackoffError{Until: until})
	}

	s.creds = creds
	s.syncBundle = bundle
	s.logger = s.logger.With(slog.String("user", creds.Username()))
	if s.State().Rekeyed() {
		s.logger.Warn("credentials changed since the last sync, refetching keys")
	}
	return nil
}

// EnsureClusterURL asks the server which storage node holds the account,
// unless a node is already persisted.
type EnsureClusterURL struct{}

func (EnsureClusterURL) Execute(ctx context.Context, s *Session) error {
	if u := s.State().ClusterURL(); u != "" {
		s.clusterURL = u
		return nil
	}

	var cluster string
	resp, err := s.client.Get(ctx, transport.NodeURL(s.creds.ServerURL(), s.creds.Username()), nil)
	switch {
	case transport.IsNotFound(err):
		// Single-node servers do not implement node assignment.
		cluster = s.creds.ServerURL()
	case err != nil:
		return fmt.Errorf("fetching node assignment: %w", err)
	default:
		cluster = strings.TrimSpace(string(resp.Body))
	}
	if cluster == "" || cluster == "null" {
		return Abort(CauseTransient, "node assignment", ErrNoClusterURL)
	}
	if u, err := url.Parse(cluster); err != nil || u.Scheme == "" || u.Host == "" {
		return Abort(CauseProtocol, "node assignment", fmt.Errorf("invalid cluster URL %q", cluster))
	}

	if err := s.State().SetClusterURL(ctx, cluster); err != nil {
		return fmt.Errorf("persisting cluster URL: %w", err)
	}
	s.clusterURL = cluster
	s.logger.Info("storage node assigned", slog.String("cluster", cluster))
	return nil
}

// FetchInfoCollections reads the last-modified time of every collection on
// the server, so unchanged collections and keys can be skipped.
type FetchInfoCollections struct{}

func (FetchInfoCollections) Execute(ctx context.Context, s *Session) error {
	resp, err := s.client.Get(ctx, s.Endpoint().InfoCollections(), nil)
	if err != nil {
		return fmt.Errorf("fetching info/collections: %w", err)
	}
	var raw map[string]float64
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return Abort(CauseProtocol, "malformed info/collections", err)
	}
	s.info = make(map[string]int64, len(raw))
	for name, secs := range raw {
		s.info[name] = record.MillisFromSeconds(secs)
	}
	s.logger.Debug("info/collections", slog.Int("collections", len(s.info)))
	return nil
}

// EnsureKeys installs the collection keyring. The persisted keys record is
// reused when the server's copy has not changed; otherwise it is fetched
// with X-If-Modified-Since. When the server has no keys at all, storage is
// wiped and a fresh keyring is uploaded.
type EnsureKeys struct{}

func (EnsureKeys) Execute(ctx context.Context, s *Session) error {
	persisted, persistedModified := s.State().Keys()
	var previous *keys.CollectionKeys
	if persisted != nil {
		if !keys.MatchesSyncKeyBundle(persisted, s.syncBundle) {
			s.logger.Info("persisted keys do not match the sync key, refetching")
			persisted, persistedModified = nil, 0
		} else if ck, err := decodeKeys(persisted, s); err == nil {
			previous = ck
		} else {
			s.logger.Warn("persisted keys unreadable, refetching", slog.Any("error", err))
			persisted, persistedModified = nil, 0
		}
	}

	serverModified, onServer := s.InfoCollections(keys.Collection)
	if previous != nil && onServer && serverModified <= persistedModified {
		s.keys = previous
		return nil
	}

	var header http.Header
	if persisted != nil {
		header = http.Header{transport.HeaderIfModifiedSince: {record.FormatSeconds(persistedModified)}}
	}
	resp, err := s.client.Get(ctx, s.Endpoint().Item(keys.Collection, keys.ID), header)
	switch {
	case transport.IsNotFound(err):
		return freshStart(ctx, s)
	case err != nil:
		return fmt.Errorf("fetching keys: %w", err)
	case resp.NotModified() && previous != nil:
		s.keys = previous
		return nil
	}

	w, err := record.ParseWBO(resp.Body)
	if err != nil {
		return Abort(CauseKeyRefetch, "malformed keys record", err)
	}
	ck, err := decodeKeys(w, s)
	if err != nil {
		return Abort(CauseKeyRefetch, "keys record does not decrypt", err)
	}
	if err := s.State().SetKeys(ctx, w, w.ModifiedMillis()); err != nil {
		return fmt.Errorf("persisting keys: %w", err)
	}
	if err := resetChangedCollections(ctx, s, previous, ck); err != nil {
		return err
	}
	s.keys = ck
	s.logger.Info("collection keys installed", slog.Int("collection_bundles", len(ck.Collections())))
	return nil
}

func decodeKeys(w *record.WBO, s *Session) (*keys.CollectionKeys, error) {
	cr, err := record.FromWBO(keys.Collection, w)
	if err != nil {
		return nil, err
	}
	ck, err := keys.FromKeysRecord(cr, s.syncBundle)
	if errors.Is(err, keys.ErrMalformedKeys) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keys.ErrStaleKeys, err)
	}
	return ck, nil
}

// resetChangedCollections forgets the timestamps of collections whose key
// bundle changed, so they are downloaded and uploaded in full again.
func resetChangedCollections(ctx context.Context, s *Session, previous, next *keys.CollectionKeys) error {
	if previous == nil {
		return nil
	}
	var changed []string
	for _, name := range s.syncer.Collections() {
		if !previous.KeyBundleFor(name).Equal(next.KeyBundleFor(name)) {
			changed = append(changed, name)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	s.logger.Info("collection keys changed", slog.Any("collections", changed))
	return s.State().ResetTimestamps(ctx, changed...)
}

// freshStart wipes the account's server storage and uploads a new keyring.
func freshStart(ctx context.Context, s *Session) error {
	s.logger.Info("no keys on server, starting fresh")
	ep := s.Endpoint()
	if _, err := s.client.Delete(ctx, ep.Storage(), nil); err != nil && !transport.IsNotFound(err) {
		return fmt.Errorf("wiping server storage: %w", err)
	}
	if err := s.State().ResetTimestamps(ctx); err != nil {
		return err
	}

	ck, err := keys.Generate()
	if err != nil {
		return err
	}
	cr, err := ck.ToKeysRecord(s.syncBundle)
	if err != nil {
		return err
	}
	w, err := cr.ToWBO()
	if err != nil {
		return err
	}
	body, err := json.Marshal(w)
	if err != nil {
		return err
	}

	// Fails with 412 if another client uploaded keys after our wipe.
	header := http.Header{transport.HeaderIfUnmodifiedSince: {record.FormatSeconds(0)}}
	resp, err := s.client.Put(ctx, ep.Item(keys.Collection, keys.ID), body, header)
	if transport.StatusCode(err) == http.StatusPreconditionFailed {
		return Abort(CauseTransient, "keys uploaded concurrently", err)
	}
	if err != nil {
		return fmt.Errorf("uploading keys: %w", err)
	}
	modified, ok := resp.Timestamp()
	if !ok {
		return Abort(CauseProtocol, "keys upload", errors.New("missing "+transport.HeaderTimestamp))
	}
	w.Modified = record.SecondsFromMillis(modified)
	if err := s.State().SetKeys(ctx, w, modified); err != nil {
		return fmt.Errorf("persisting keys: %w", err)
	}
	s.keys = ck
	return nil
}

// CollectionSync replicates one collection: server to local first, then
// local to server, each through its own channel. The server side is wrapped
// in the crypto middleware with the collection's key bundle.
type CollectionSync struct {
	Collection Collection
}

func (c CollectionSync) Execute(ctx context.Context, s *Session) error {
	name := c.Collection.Name
	logger := s.logger.With(slog.String("collection", name))

	ck, err := s.CollectionKeys()
	if err != nil {
		return err
	}
	remote := server.New(s.client, s.clusterURL, s.creds.Username(), name,
		server.WithLogger(logger),
		server.WithBatchSize(s.syncer.batchSize))
	encrypted, err := middleware.NewCrypto(remote, ck.KeyBundleFor(name), c.Collection.Factory,
		middleware.WithLogger(logger))
	if err != nil {
		return err
	}
	opts := []channel.Option{
		channel.WithIdleTimeout(s.syncer.idleTimeout),
		channel.WithLogger(logger),
	}
	res := CollectionResult{Name: name}

	since := s.State().RemoteTimestamp(name)
	if modified, ok := s.InfoCollections(name); !ok || modified <= since {
		res.DownloadSkipped = true
	} else {
		down, err := channel.New(encrypted, c.Collection.Local, append(opts, channel.WithSince(since))...).Flow(ctx)
		if err != nil {
			return flowAbort(name, "download", err)
		}
		if err := s.State().SetRemoteTimestamp(ctx, name, max(since, down.End)); err != nil {
			return err
		}
		res.Downloaded, res.DownloadFailures = down.Stored, down.FetchFailures+down.StoreFailures
	}

	localSince := s.State().LocalTimestamp(name)
	up, err := channel.New(c.Collection.Local, encrypted, append(opts, channel.WithSince(localSince))...).Flow(ctx)
	if err != nil {
		return flowAbort(name, "upload", err)
	}
	if err := s.State().SetLocalTimestamp(ctx, name, max(localSince, up.End)); err != nil {
		return err
	}
	res.Uploaded, res.UploadFailures = up.Stored, up.FetchFailures+up.StoreFailures

	res.RemoteTimestamp = s.State().RemoteTimestamp(name)
	res.LocalTimestamp = s.State().LocalTimestamp(name)
	s.results = append(s.results, res)
	logger.Info("collection synced",
		slog.Int64("downloaded", res.Downloaded),
		slog.Int64("uploaded", res.Uploaded),
		slog.Bool("download_skipped", res.DownloadSkipped))
	return nil
}

func flowAbort(collection, direction string, err error) error {
	reason := fmt.Sprintf("%s %s: %s", collection, direction, channel.KindOf(err))
	return Abort(classify(err), reason, err)
}

// Completed is the terminal stage.
type Completed struct{}

func (Completed) Execute(_ context.Context, s *Session) error {
	s.logger.Info("all stages completed", slog.Int("collections", len(s.results)))
	return nil
}
