package editlock

import (
	"strings"
	"time"
)

const (
	keyPrefix    = "admin-edit-lock"
	keySeparator = "-"
)

// Key identifies one lockable record.
type Key struct {
	Namespace string
	Kind      string
	RecordID  string
}

// String returns the cache address of the lock, for example
// "admin-edit-lock-library-Book-42".
func (k Key) String() string {
	return strings.Join([]string{keyPrefix, k.Namespace, k.Kind, k.RecordID}, keySeparator)
}

// Valid reports whether every component of the key is set and the key maps
// to an address no other key shares. Namespace and Kind must not contain the
// separator; RecordID comes last and may.
func (k Key) Valid() bool {
	return k.Namespace != "" && k.Kind != "" && k.RecordID != "" &&
		!strings.Contains(k.Namespace, keySeparator) && !strings.Contains(k.Kind, keySeparator)
}

// Entry is the value stored for a locked record. Expiry is not part of it:
// the cache TTL decides when the entry disappears.
type Entry struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}
