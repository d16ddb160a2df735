package badger

import (
	"encoding/binary"

	"github.com/akhenakh/lorameteo/storage"
)

// Prefix is prepended to every key, letting the db be shared.
const Prefix = "M"

const (
	identityPrefix = 'I'
	namePrefix     = 'N'
	reportPrefix   = 'R'
	sequencePrefix = 'S'
)

// IdentityKey returns the key holding the id of key in c.
// MI<cat>\x00<key>
func IdentityKey(c storage.Category, key string) []byte {
	k := make([]byte, len(Prefix)+3+len(key))
	copy(k, Prefix)
	k[len(Prefix)] = identityPrefix
	k[len(Prefix)+1] = byte(c)
	k[len(Prefix)+2] = 0
	copy(k[len(Prefix)+3:], key)
	return k
}

// NameKey returns the reverse key resolving an identity to its record.
// MN<cat><id>
func NameKey(c storage.Category, id storage.Identity) []byte {
	k := make([]byte, len(Prefix)+2+8)
	copy(k, Prefix)
	k[len(Prefix)] = namePrefix
	k[len(Prefix)+1] = byte(c)
	copy(k[len(Prefix)+2:], itob(int64(id)))
	return k
}

// ReportKey returns the key holding a report document.
// MR<id>
func ReportKey(id storage.ReportID) []byte {
	k := make([]byte, len(Prefix)+1+8)
	copy(k, Prefix)
	k[len(Prefix)] = reportPrefix
	copy(k[len(Prefix)+1:], itob(int64(id)))
	return k
}

// sequenceKey names the id sequence of a category.
// MS<cat>
func sequenceKey(c storage.Category) []byte {
	return []byte{Prefix[0], sequencePrefix, byte(c)}
}

// report ids have their own sequence, 'R' is out of the categories range
var reportSequenceKey = []byte{Prefix[0], sequencePrefix, reportPrefix}

// itob returns a big endian representation of v, keeping keys sorted by id.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
