package record

import (
	"encoding/base64"
	"regexp"

	"github.com/jmcleod/ironsync/internal/util"
)

var guidRE = regexp.MustCompile(`^[A-Za-z0-9_-]{12}$`)

// NewGUID returns a 12 character URL-safe id.
func NewGUID() string {
	b, err := util.RandomBytes(9)
	if err != nil {
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// IsValidGUID reports whether id has the shape NewGUID produces. Other ids
// are accepted on the wire, this is only used for locally minted records.
func IsValidGUID(id string) bool {
	return guidRE.MatchString(id)
}
