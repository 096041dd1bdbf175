package bakery

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	errgo "gopkg.in/errgo.v1"
)

// KeyLen is the byte length of the Curve25519 public and private keys
// used for third-party caveat encryption.
const KeyLen = 32

// NonceLen is the byte length of the nonces used for caveat id
// encryption.
const NonceLen = 24

// Key is a 256-bit Curve25519 key.
type Key [KeyLen]byte

// String returns the base64 representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (k Key) MarshalBinary() ([]byte, error) {
	return k[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) != len(k) {
		return errgo.Newf("wrong length for key, got %d want %d", len(data), len(k))
	}
	copy(k[:], data)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	data := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(data, k[:])
	return data, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(data, text)
	if err != nil {
		return errgo.Notef(err, "cannot decode base64 key")
	}
	if n != len(k) {
		return errgo.Newf("wrong length for key, got %d want %d", n, len(k))
	}
	copy(k[:], data[0:n])
	return nil
}

func (k Key) boxKey() *[KeyLen]byte {
	return (*[KeyLen]byte)(&k)
}

// PublicKey is a 256-bit Curve25519 public key used to encrypt
// third-party caveats addressed to its owner.
type PublicKey struct {
	Key
}

// PrivateKey is a 256-bit Curve25519 private key.
type PrivateKey struct {
	Key
}

// Public returns the public key associated with k, computed from the
// stored private scalar.
func (k PrivateKey) Public() PublicKey {
	var pub [KeyLen]byte
	curve25519.ScalarBaseMult(&pub, k.boxKey())
	return PublicKey{Key(pub)}
}

// KeyPair holds a public/private pair of keys used for third-party
// caveat encryption.
type KeyPair struct {
	Public  PublicKey  `json:"public"`
	Private PrivateKey `json:"private"`
}

// GenerateKey generates a new key pair using the system random source.
func GenerateKey() (*KeyPair, error) {
	var kp KeyPair
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	kp.Public = PublicKey{Key(*pub)}
	kp.Private = PrivateKey{Key(*priv)}
	return &kp, nil
}

// String implements fmt.Stringer by returning the base64
// representation of the public key part of the pair.
func (key *KeyPair) String() string {
	return key.Public.String()
}

// MustGenerateKey is like GenerateKey except that it panics on
// failure. It is mostly useful in tests.
func MustGenerateKey() *KeyPair {
	key, err := GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// PublicKeyLocator is used to find the public key for a given caveat
// or macaroon location, independently of protocol version.
type PublicKeyLocator interface {
	// PublicKeyForLocation returns the public key matching the given
	// location. It returns ErrNotFound if no match is found.
	PublicKeyForLocation(loc string) (*PublicKey, error)
}

// PublicKeyLocatorMap implements PublicKeyLocator using a map from
// exact location string to public key.
type PublicKeyLocatorMap map[string]*PublicKey

// PublicKeyForLocation implements PublicKeyLocator.
func (m PublicKeyLocatorMap) PublicKeyForLocation(loc string) (*PublicKey, error) {
	if pk, ok := m[loc]; ok {
		return pk, nil
	}
	return nil, ErrNotFound
}

type publicKeyRecord struct {
	location string
	prefix   bool
	key      PublicKey
}

// PublicKeyRing stores public keys for third-party services, looked up
// by location string or location prefix. It is safe for concurrent use.
type PublicKeyRing struct {
	mu         sync.Mutex
	publicKeys []publicKeyRecord
}

// NewPublicKeyRing returns a new, empty PublicKeyRing.
func NewPublicKeyRing() *PublicKeyRing {
	return &PublicKeyRing{}
}

// AddPublicKeyForLocation adds a public key to the keyring for the
// given location or location prefix.
func (kr *PublicKeyRing) AddPublicKeyForLocation(loc string, prefix bool, key *PublicKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.publicKeys = append(kr.publicKeys, publicKeyRecord{
		location: loc,
		prefix:   prefix,
		key:      *key,
	})
}

// PublicKeyForLocation implements PublicKeyLocator, matching the
// longest registered prefix.
func (kr *PublicKeyRing) PublicKeyForLocation(loc string) (*PublicKey, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	var longestPrefix string
	var longestPrefixKey *PublicKey
	for i := len(kr.publicKeys) - 1; i >= 0; i-- {
		k := kr.publicKeys[i]
		if k.location == loc && !k.prefix {
			return &k.key, nil
		}
		if !k.prefix {
			continue
		}
		if strings.HasPrefix(loc, k.location) && len(k.location) > len(longestPrefix) {
			longestPrefix = k.location
			longestPrefixKey = &k.key
		}
	}
	if longestPrefixKey == nil {
		return nil, ErrNotFound
	}
	return longestPrefixKey, nil
}
