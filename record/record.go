package record

// Record is the capability set the sync core relies on. Concrete record
// types (bookmarks, passwords, tabs) live with their repositories.
type Record interface {
	GUID() string
	Collection() string
	// LastModified is in milliseconds.
	LastModified() int64
	Deleted() bool
	// CryptoRecord returns the cleartext crypto payload form of the record,
	// ready to be encrypted for upload.
	CryptoRecord() (*CryptoRecord, error)
}

// Factory turns a decrypted CryptoRecord into a concrete Record.
type Factory interface {
	FromCryptoRecord(cr *CryptoRecord) (Record, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cr *CryptoRecord) (Record, error)

func (f FactoryFunc) FromCryptoRecord(cr *CryptoRecord) (Record, error) {
	return f(cr)
}
