// Package account holds the user's sync credentials. The password and the
// raw sync key live in memguard enclaves and are only decrypted for the
// duration of a single request or key derivation.
package account

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironsync/crypto"
	icrypto "github.com/jmcleod/ironsync/internal/crypto"
	"github.com/jmcleod/ironsync/internal/util"
	"github.com/jmcleod/ironsync/transport"
)

// Credentials identifies one sync account. Call Destroy when done to drop
// the enclaves.
type Credentials struct {
	mu        sync.RWMutex
	account   string
	username  string
	serverURL string
	password  *memguard.Enclave
	syncKey   *memguard.Enclave
	destroyed bool
}

var _ transport.Authenticator = (*Credentials)(nil)

// NewCredentials builds credentials from the account name as typed by the
// user, the account password, the friendly sync key and the account server
// URL. The account name is mapped to the storage username with
// crypto.UsernameFromAccount.
func NewCredentials(account, password, friendlySyncKey, serverURL string) (*Credentials, error) {
	if account == "" {
		return nil, ErrMissingAccount
	}
	if password == "" {
		return nil, ErrMissingPassword
	}
	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServerURL, serverURL)
	}
	raw, err := crypto.DecodeSyncKey(friendlySyncKey)
	if err != nil {
		return nil, err
	}

	pw := []byte(util.Normalize(password))
	return &Credentials{
		account:   account,
		username:  crypto.UsernameFromAccount(account),
		serverURL: serverURL,
		password:  memguard.NewEnclave(pw),
		syncKey:   memguard.NewEnclave(raw),
	}, nil
}

// Account returns the account name as given.
func (c *Credentials) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return ""
	}
	return c.account
}

// Username returns the storage username derived from the account name.
func (c *Credentials) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return ""
	}
	return c.username
}

// ServerURL returns the account server used for node assignment.
func (c *Credentials) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return ""
	}
	return c.serverURL
}

// Authenticate sets HTTP basic auth on req.
func (c *Credentials) Authenticate(req *http.Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return ErrCredentialsDestroyed
	}
	buf, err := c.password.Open()
	if err != nil {
		return fmt.Errorf("opening password enclave: %w", err)
	}
	defer buf.Destroy()
	req.SetBasicAuth(c.username, buf.String())
	return nil
}

// CheckPassword reports whether password matches. It is used by the
// development server to authenticate the configured account.
func (c *Credentials) CheckPassword(password string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return false
	}
	buf, err := c.password.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(util.Normalize(password)))
}

func (c *Credentials) withSyncKey(fn func(raw []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return ErrCredentialsDestroyed
	}
	buf, err := c.syncKey.Open()
	if err != nil {
		return fmt.Errorf("opening sync key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// SyncKeyBundle derives the bundle that protects the keys record.
func (c *Credentials) SyncKeyBundle() (*crypto.KeyBundle, error) {
	var kb *crypto.KeyBundle
	err := c.withSyncKey(func(raw []byte) error {
		var err error
		kb, err = crypto.SyncKeyBundle(c.username, raw)
		return err
	})
	return kb, err
}

// FriendlySyncKey returns the sync key in its user-facing form.
func (c *Credentials) FriendlySyncKey() (string, error) {
	var s string
	err := c.withSyncKey(func(raw []byte) error {
		var err error
		s, err = crypto.EncodeSyncKey(raw)
		return err
	})
	return s, err
}

// LocalStoreKey derives the key that seals records in the local store.
// The username is the salt so two accounts sharing a data directory never
// share a key.
func (c *Credentials) LocalStoreKey() ([]byte, error) {
	var key []byte
	err := c.withSyncKey(func(raw []byte) error {
		var err error
		key, err = icrypto.DeriveLocalStoreKey(raw, []byte(c.username))
		return err
	})
	return key, err
}

// LocalStateKey derives the key that seals persisted sync state.
func (c *Credentials) LocalStateKey() ([]byte, error) {
	var key []byte
	err := c.withSyncKey(func(raw []byte) error {
		var err error
		key, err = icrypto.DeriveLocalStateKey(raw, []byte(c.username))
		return err
	})
	return key, err
}

// Destroy drops the enclaves. Later calls return ErrCredentialsDestroyed
// or zero values.
func (c *Credentials) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.password = nil
	c.syncKey = nil
	c.account = ""
	c.username = ""
	c.serverURL = ""
	c.destroyed = true
}
