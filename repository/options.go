package repository

import "log/slog"

// Option configures a StoreRepository.
type Option func(*StoreRepository)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *StoreRepository) {
		r.logger = logger
	}
}

// WithClock replaces the millisecond clock used to stamp stored items.
func WithClock(now func() int64) Option {
	return func(r *StoreRepository) {
		r.now = now
	}
}
