package record

import (
	"encoding/json"
	"fmt"
	"maps"
)

// BasicRecord is a schemaless record. Fields holds every cleartext field
// other than id and deleted.
type BasicRecord struct {
	ID             string
	CollectionName string
	Modified       int64
	SortIndex      int
	IsDeleted      bool
	Fields         map[string]any
}

var _ Record = (*BasicRecord)(nil)

// NewBasicRecord returns a live record with a fresh GUID.
func NewBasicRecord(collection string, fields map[string]any) *BasicRecord {
	return &BasicRecord{
		ID:             NewGUID(),
		CollectionName: collection,
		Modified:       NowMillis(),
		Fields:         maps.Clone(fields),
	}
}

func (r *BasicRecord) GUID() string        { return r.ID }
func (r *BasicRecord) Collection() string  { return r.CollectionName }
func (r *BasicRecord) LastModified() int64 { return r.Modified }
func (r *BasicRecord) Deleted() bool       { return r.IsDeleted }

func (r *BasicRecord) CryptoRecord() (*CryptoRecord, error) {
	if r.IsDeleted {
		cr := NewTombstone(r.CollectionName, r.ID)
		cr.SetLastModified(r.Modified)
		return cr, nil
	}
	payload, err := EncodeCleartext(r.ID, r.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling record %s: %w", r.ID, err)
	}
	cr := NewCryptoRecord(r.CollectionName, r.ID, payload)
	cr.SetLastModified(r.Modified)
	cr.SetSortIndex(r.SortIndex)
	return cr, nil
}

// BasicFactory builds BasicRecords from decrypted payloads.
type BasicFactory struct{}

var _ Factory = BasicFactory{}

func (BasicFactory) FromCryptoRecord(cr *CryptoRecord) (Record, error) {
	if cr.IsEncrypted() {
		return nil, ErrAlreadyEncrypted
	}
	var fields map[string]any
	if err := json.Unmarshal(cr.payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", cr.GUID(), err)
	}
	deleted, _ := fields["deleted"].(bool)
	delete(fields, "id")
	delete(fields, "deleted")
	return &BasicRecord{
		ID:             cr.GUID(),
		CollectionName: cr.Collection(),
		Modified:       cr.LastModified(),
		SortIndex:      cr.SortIndex(),
		IsDeleted:      deleted || cr.Deleted(),
		Fields:         fields,
	}, nil
}
