package mgostorage

var (
	TimeNow             = &timeNow
	MgoCollectionFindId = &mgoCollectionFindId
)

// RootKey is exported for testing.
type RootKey = rootKey

// IsValidWithPolicy is exported for testing.
func IsValidWithPolicy(rk RootKey, p Policy) bool {
	return rk.isValidWithPolicy(p)
}
