// Package middleware wraps repositories with record transforms.
package middleware

import (
	"context"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
)

// Crypto decrypts records fetched from an encrypted repository and encrypts
// records on their way into it. Per-record failures are reported to the
// fetch callback as *repository.RecordError and counted; they do not stop
// the fetch.
type Crypto struct {
	inner   repository.Repository
	keys    *crypto.KeyBundle
	factory record.Factory
	logger  *slog.Logger

	decryptFailures atomic.Int64
	encryptFailures atomic.Int64
}

var _ repository.Repository = (*Crypto)(nil)

type Option func(*Crypto)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crypto) {
		c.logger = logger
	}
}

// NewCrypto wraps inner. A missing key bundle is a systemic failure and is
// reported here rather than once per record.
func NewCrypto(inner repository.Repository, keys *crypto.KeyBundle, factory record.Factory, opts ...Option) (*Crypto, error) {
	if keys == nil {
		return nil, crypto.ErrMissingKeyBundle
	}
	c := &Crypto{inner: inner, keys: keys, factory: factory, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DecryptFailures returns how many fetched records failed to decrypt or
// transform across all sessions.
func (c *Crypto) DecryptFailures() int64 {
	return c.decryptFailures.Load()
}

// EncryptFailures returns how many stored records failed to encrypt.
func (c *Crypto) EncryptFailures() int64 {
	return c.encryptFailures.Load()
}

func (c *Crypto) CreateSession(ctx context.Context) (repository.Session, error) {
	inner, err := c.inner.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	return &cryptoSession{Session: inner, c: c}, nil
}

type cryptoSession struct {
	repository.Session
	c *Crypto
}

func (s *cryptoSession) wrap(fn repository.FetchFunc) repository.FetchFunc {
	return func(rec record.Record, err error) error {
		if err != nil {
			return fn(nil, err)
		}
		out, err := s.decrypt(rec)
		if err != nil {
			s.c.decryptFailures.Inc()
			s.c.logger.Warn("dropping record that failed to decrypt",
				slog.String("guid", rec.GUID()),
				slog.String("collection", rec.Collection()),
				slog.Any("error", err))
			return fn(nil, &repository.RecordError{GUID: rec.GUID(), Err: err})
		}
		return fn(out, nil)
	}
}

func (s *cryptoSession) decrypt(rec record.Record) (record.Record, error) {
	cr, ok := rec.(*record.CryptoRecord)
	if !ok {
		return nil, repository.ErrNotCryptoRecord
	}
	cr.SetKeyBundle(s.c.keys)
	if err := cr.Decrypt(); err != nil {
		return nil, err
	}
	return s.c.factory.FromCryptoRecord(cr)
}

func (s *cryptoSession) FetchSince(ctx context.Context, since int64, fn repository.FetchFunc) (int64, error) {
	return s.Session.FetchSince(ctx, since, s.wrap(fn))
}

func (s *cryptoSession) Fetch(ctx context.Context, guids []string, fn repository.FetchFunc) error {
	return s.Session.Fetch(ctx, guids, s.wrap(fn))
}

// Store encrypts the crypto payload form of rec and forwards it.
func (s *cryptoSession) Store(ctx context.Context, rec record.Record) error {
	cr, err := rec.CryptoRecord()
	if err != nil {
		s.c.encryptFailures.Inc()
		return &repository.RecordError{GUID: rec.GUID(), Err: err}
	}
	cr.SetKeyBundle(s.c.keys)
	if err := cr.Encrypt(); err != nil {
		s.c.encryptFailures.Inc()
		return &repository.RecordError{GUID: rec.GUID(), Err: err}
	}
	return s.Session.Store(ctx, cr)
}
