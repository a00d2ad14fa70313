package account

import "context"

// Store supplies the account the sync engine runs for. The engine never
// writes to it.
type Store interface {
	Credentials(ctx context.Context) (*Credentials, error)
}

// StaticStore always returns the same credentials.
type StaticStore struct {
	creds *Credentials
}

var _ Store = (*StaticStore)(nil)

func NewStaticStore(creds *Credentials) *StaticStore {
	return &StaticStore{creds: creds}
}

func (s *StaticStore) Credentials(_ context.Context) (*Credentials, error) {
	if s.creds == nil || s.creds.Username() == "" {
		return nil, ErrCredentialsDestroyed
	}
	return s.creds, nil
}
