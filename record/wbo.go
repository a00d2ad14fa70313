package record

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// WBO is the wire envelope for a single record. Modified is in seconds with
// two decimal places, as the storage server reports it.
type WBO struct {
	ID        string  `json:"id"`
	Modified  float64 `json:"modified,omitempty"`
	SortIndex int     `json:"sortindex,omitempty"`
	TTL       int     `json:"ttl,omitempty"`
	Payload   string  `json:"payload"`
}

// Envelope is the encrypted form of a WBO payload.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
}

// ParseWBO decodes a single WBO line.
func ParseWBO(b []byte) (*WBO, error) {
	var w WBO
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWBO, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedWBO)
	}
	return &w, nil
}

// ModifiedMillis returns Modified as integer milliseconds.
func (w *WBO) ModifiedMillis() int64 {
	return MillisFromSeconds(w.Modified)
}

// MillisFromSeconds converts a wire timestamp to milliseconds.
func MillisFromSeconds(s float64) int64 {
	return int64(math.Round(s * 1000))
}

// SecondsFromMillis converts milliseconds to a wire timestamp, truncated to
// hundredths of a second.
func SecondsFromMillis(ms int64) float64 {
	return float64(ms/10) / 100
}

// FormatSeconds renders milliseconds the way the X-Weave-Timestamp and
// newer= parameters expect.
func FormatSeconds(ms int64) string {
	return fmt.Sprintf("%.2f", SecondsFromMillis(ms))
}

// NowMillis returns the current time truncated to the wire resolution.
func NowMillis() int64 {
	return time.Now().UnixMilli() / 10 * 10
}
