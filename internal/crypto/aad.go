package icrypto

import (
	"encoding/binary"
)

const (
	aadItem  = "ITEM"
	aadState = "STATE"
)

// AADItem binds a locally sealed item to its collection and GUID so a
// ciphertext cannot be replayed under another key.
func AADItem(collection, guid string, ver int) []byte {
	return buildAAD(aadItem, collection, guid, ver)
}

// AADState binds a sealed persisted-state value to its key.
func AADState(key string, ver int) []byte {
	return buildAAD(aadState, key, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
