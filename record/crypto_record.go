package record

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/internal/util"
)

type direction int

const (
	dirNone direction = iota
	dirDecrypted
	dirEncrypted
)

// CryptoRecord is a record whose payload is either the cleartext JSON body
// or, on the wire, an encrypted Envelope. Encrypt and Decrypt replace the
// payload in place; a record is only ever transformed in one direction.
type CryptoRecord struct {
	guid       string
	collection string
	modified   int64
	sortIndex  int
	ttl        int
	deleted    bool

	payload   []byte
	encrypted bool
	dir       direction
	keys      *crypto.KeyBundle
}

// NewCryptoRecord wraps a cleartext JSON payload for upload. A payload
// carrying "deleted": true marks the record as a tombstone.
func NewCryptoRecord(collection, guid string, cleartext []byte) *CryptoRecord {
	_, deleted, _ := cleartextHead(cleartext)
	return &CryptoRecord{
		guid:       guid,
		collection: collection,
		deleted:    deleted,
		payload:    util.CopyBytes(cleartext),
	}
}

// NewTombstone returns a cleartext record marking guid as deleted.
func NewTombstone(collection, guid string) *CryptoRecord {
	payload, _ := EncodeCleartext(guid, map[string]any{"deleted": true})
	return NewCryptoRecord(collection, guid, payload)
}

// FromWBO wraps a fetched, still encrypted WBO.
func FromWBO(collection string, w *WBO) (*CryptoRecord, error) {
	if w == nil || w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedWBO)
	}
	return &CryptoRecord{
		guid:       w.ID,
		collection: collection,
		modified:   w.ModifiedMillis(),
		sortIndex:  w.SortIndex,
		ttl:        w.TTL,
		payload:    []byte(w.Payload),
		encrypted:  true,
	}, nil
}

// ToWBO renders an encrypted record for upload.
func (r *CryptoRecord) ToWBO() (*WBO, error) {
	if !r.encrypted {
		return nil, ErrNotEncrypted
	}
	return &WBO{
		ID:        r.guid,
		Modified:  SecondsFromMillis(r.modified),
		SortIndex: r.sortIndex,
		TTL:       r.ttl,
		Payload:   string(r.payload),
	}, nil
}

func (r *CryptoRecord) GUID() string        { return r.guid }
func (r *CryptoRecord) Collection() string  { return r.collection }
func (r *CryptoRecord) LastModified() int64 { return r.modified }
func (r *CryptoRecord) Deleted() bool       { return r.deleted }
func (r *CryptoRecord) SortIndex() int      { return r.sortIndex }
func (r *CryptoRecord) IsEncrypted() bool   { return r.encrypted }

// Payload returns a copy of the current payload bytes.
func (r *CryptoRecord) Payload() []byte { return util.CopyBytes(r.payload) }

func (r *CryptoRecord) CryptoRecord() (*CryptoRecord, error) { return r, nil }

func (r *CryptoRecord) SetLastModified(ms int64) { r.modified = ms }
func (r *CryptoRecord) SetSortIndex(i int)       { r.sortIndex = i }
func (r *CryptoRecord) SetTTL(seconds int)       { r.ttl = seconds }
func (r *CryptoRecord) SetCollection(c string)   { r.collection = c }

// SetKeyBundle attaches the bundle used by Encrypt and Decrypt.
func (r *CryptoRecord) SetKeyBundle(kb *crypto.KeyBundle) { r.keys = kb }

func (r *CryptoRecord) KeyBundle() *crypto.KeyBundle { return r.keys }

// Decrypt verifies and decrypts the payload. The id inside the cleartext
// must match the envelope id.
//
// The wire HMAC does not cover the IV, and a modified IV changes only the
// first 16 bytes of cleartext. EncodeCleartext puts the id there, so for
// records written by this package the change fails the id check and is
// reported as an authentication failure. Cleartext from other clients whose
// first block holds some other field can decrypt to altered content without
// an error.
func (r *CryptoRecord) Decrypt() error {
	if !r.encrypted {
		return ErrNotEncrypted
	}
	if r.dir == dirEncrypted {
		return ErrWrongDirection
	}
	if r.keys == nil {
		return crypto.ErrMissingKeyBundle
	}

	var env Envelope
	if err := json.Unmarshal(r.payload, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", crypto.ErrMalformedCiphertext, err)
	}
	ct, err := util.B64Decode(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", crypto.ErrMalformedCiphertext, err)
	}
	iv, err := util.B64Decode(env.IV)
	if err != nil {
		return fmt.Errorf("%w: IV: %v", crypto.ErrMalformedCiphertext, err)
	}
	mac, err := util.HexDecode(env.HMAC)
	if err != nil {
		return fmt.Errorf("%w: hmac: %v", crypto.ErrAuthenticationFailed, err)
	}

	cleartext, err := crypto.Decrypt(&crypto.CryptoInfo{Message: ct, IV: iv, HMAC: mac, Keys: r.keys})
	if err != nil {
		return err
	}

	id, deleted, err := cleartextHead(cleartext)
	if err != nil {
		return fmt.Errorf("%w: %w: cleartext is not a JSON object", crypto.ErrAuthenticationFailed, ErrIDMismatch)
	}
	if id != r.guid {
		return fmt.Errorf("%w: %w: got %q, want %q", crypto.ErrAuthenticationFailed, ErrIDMismatch, id, r.guid)
	}

	r.payload = cleartext
	r.deleted = deleted
	r.encrypted = false
	r.dir = dirDecrypted
	return nil
}

// Encrypt replaces the cleartext payload with an encrypted Envelope.
func (r *CryptoRecord) Encrypt(opts ...crypto.EncryptOption) error {
	if r.encrypted {
		return ErrAlreadyEncrypted
	}
	if r.dir == dirDecrypted {
		return ErrWrongDirection
	}
	if r.keys == nil {
		return crypto.ErrMissingKeyBundle
	}

	info, err := crypto.Encrypt(r.payload, r.keys, opts...)
	if err != nil {
		return err
	}
	env, err := json.Marshal(Envelope{
		Ciphertext: util.B64Encode(info.Message),
		IV:         util.B64Encode(info.IV),
		HMAC:       util.HexEncode(info.HMAC),
	})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	r.payload = env
	r.encrypted = true
	r.dir = dirEncrypted
	return nil
}

// EncodeCleartext marshals fields as a JSON object whose first member is
// "id". Keeping the id in the first cipher block means a tampered IV always
// shows up as an id mismatch on decrypt.
func EncodeCleartext(guid string, fields map[string]any) ([]byte, error) {
	id, err := json.Marshal(guid)
	if err != nil {
		return nil, err
	}
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "id" {
			rest[k] = v
		}
	}
	body, err := json.Marshal(rest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(id)+len(body)+8)
	out = append(out, `{"id":`...)
	out = append(out, id...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// cleartextHead reads the id and deleted members with exact key matching.
func cleartextHead(cleartext []byte) (string, bool, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(cleartext, &head); err != nil {
		return "", false, err
	}
	var id string
	if raw, ok := head["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", false, err
		}
	}
	var deleted bool
	if raw, ok := head["deleted"]; ok {
		_ = json.Unmarshal(raw, &deleted)
	}
	return id, deleted, nil
}
