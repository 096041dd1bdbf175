package bakery

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"golang.org/x/crypto/nacl/box"

	"gopkg.in/errgo.v1"

	"github.com/hashlock/macaroon-bakery/bakery/checkers"
)

type caveatIdRecord struct {
	RootKey   []byte
	Condition string
}

// caveatId defines the wire format of a version 1 third party caveat
// id: a base64-encoded JSON wrapper around a NaCl box.
type caveatId struct {
	ThirdPartyPublicKey *PublicKey
	FirstPartyPublicKey *PublicKey
	Nonce               []byte
	Id                  string
}

const publicKeyPrefixLen = 4

// encodeCaveat creates a third-party caveat id with the given
// condition and root key, choosing the wire encoding appropriate to
// thirdPartyInfo.Version. key is the public/private key pair of the
// party that's adding the caveat; ns is only used by a V3 id, which
// carries the namespace so the discharger can interpret the
// condition's prefixes.
func encodeCaveat(
	condition string,
	rootKey []byte,
	thirdPartyInfo ThirdPartyInfo,
	key *KeyPair,
	ns *checkers.Namespace,
) ([]byte, error) {
	switch thirdPartyInfo.Version {
	case Version0, Version1:
		return encodeCaveatV1(condition, rootKey, &thirdPartyInfo.PublicKey, key)
	case Version2:
		return encodeCaveatV2(condition, rootKey, &thirdPartyInfo.PublicKey, key)
	case Version3:
		return encodeCaveatV3(condition, rootKey, &thirdPartyInfo.PublicKey, key, ns)
	default:
		return nil, errgo.Newf("unknown bakery version %d", thirdPartyInfo.Version)
	}
}

// encodeCaveatV1 creates a JSON-encoded third-party caveat with the
// given condition and root key.
func encodeCaveatV1(
	condition string,
	rootKey []byte,
	thirdPartyPubKey *PublicKey,
	key *KeyPair,
) ([]byte, error) {
	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errgo.Notef(err, "cannot generate random number for nonce")
	}
	plain := caveatIdRecord{
		RootKey:   rootKey,
		Condition: condition,
	}
	plainData, err := json.Marshal(&plain)
	if err != nil {
		return nil, errgo.Notef(err, "cannot marshal %#v", &plain)
	}
	sealed := box.Seal(nil, plainData, &nonce, thirdPartyPubKey.boxKey(), key.Private.boxKey())
	id := caveatId{
		ThirdPartyPublicKey: thirdPartyPubKey,
		FirstPartyPublicKey: &key.Public,
		Nonce:               nonce[:],
		Id:                  base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, errgo.Notef(err, "cannot marshal %#v", id)
	}
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(buf, data)
	return buf, nil
}

// encodeCaveatV2 creates a version 2 third-party caveat id.
func encodeCaveatV2(
	condition string,
	rootKey []byte,
	thirdPartyPubKey *PublicKey,
	key *KeyPair,
) ([]byte, error) {
	return encodeCaveatV2V3(Version2, condition, rootKey, thirdPartyPubKey, key, nil)
}

// encodeCaveatV3 creates a version 3 third-party caveat id, which
// additionally carries the serialized namespace ns so that the
// discharger can interpret the condition's prefixes.
func encodeCaveatV3(
	condition string,
	rootKey []byte,
	thirdPartyPubKey *PublicKey,
	key *KeyPair,
	ns *checkers.Namespace,
) ([]byte, error) {
	return encodeCaveatV2V3(Version3, condition, rootKey, thirdPartyPubKey, key, ns)
}

// encodeCaveatV2V3 implements the shared wire format of version 2 and
// version 3 third-party caveat ids.
//
// The format has the following packed binary fields (all fields up to
// and including the nonce are the same for both versions):
//
//	version 2 or 3 [1 byte]
//	first 4 bytes of third-party Curve25519 public key [4 bytes]
//	first-party Curve25519 public key [32 bytes]
//	nonce [24 bytes]
//	encrypted secret part [rest of message]
func encodeCaveatV2V3(
	version Version,
	condition string,
	rootKey []byte,
	thirdPartyPubKey *PublicKey,
	key *KeyPair,
	ns *checkers.Namespace,
) ([]byte, error) {
	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errgo.Notef(err, "cannot generate random number for nonce")
	}
	var nsData []byte
	if version >= Version3 {
		nsData = ns.Serialize()
	}
	secret := encodeSecretPartV2V3(version, condition, rootKey, nsData)
	data := make([]byte, 0, 1+publicKeyPrefixLen+KeyLen+NonceLen+len(secret)+box.Overhead)
	data = append(data, byte(version))
	data = append(data, thirdPartyPubKey.Key[:publicKeyPrefixLen]...)
	data = append(data, key.Public.Key[:]...)
	data = append(data, nonce[:]...)
	data = box.Seal(data, secret, &nonce, thirdPartyPubKey.boxKey(), key.Private.boxKey())
	return data, nil
}

// encodeSecretPartV2V3 creates the unencrypted secret part of a
// version 2 or version 3 third-party caveat.
//
// The format has the following packed binary fields:
//
//	version 2 or 3 [1 byte]
//	root key length [n: uvarint]
//	root key [n bytes]
//	namespace length [n: uvarint] (version 3 only)
//	namespace [n bytes] (version 3 only)
//	condition [rest of message]
func encodeSecretPartV2V3(version Version, condition string, rootKey, ns []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(version))
	writeUvarint(&buf, uint64(len(rootKey)))
	buf.Write(rootKey)
	if version >= Version3 {
		writeUvarint(&buf, uint64(len(ns)))
		buf.Write(ns)
	}
	buf.WriteString(condition)
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	buf.Write(tmp[:l])
}

// decodeCaveat attempts to decode id, decrypting the encrypted part
// using key. The returned info's Caveat field always holds id
// unchanged.
func decodeCaveat(key *KeyPair, id []byte) (*ThirdPartyCaveatInfo, error) {
	if len(id) == 0 {
		return nil, errgo.New("empty third party caveat")
	}
	switch Version(id[0]) {
	case Version2, Version3:
		return decodeCaveatV2V3(Version(id[0]), key, id)
	default:
		if id[0] == 'e' {
			// 'e' is the first byte when the caveat id is a
			// base64-encoded JSON object (version 1, nominally -1).
			return decodeCaveatV1(key, id)
		}
		return nil, errgo.Newf("caveat has unsupported version %d", id[0])
	}
}

// decodeCaveatV1 attempts to decode a base64 encoded JSON id.
func decodeCaveatV1(key *KeyPair, id []byte) (*ThirdPartyCaveatInfo, error) {
	data := make([]byte, (3*len(id)+3)/4)
	n, err := base64.StdEncoding.Decode(data, id)
	if err != nil {
		return nil, errgo.Notef(err, "cannot base64-decode caveat id")
	}
	data = data[:n]
	var tpid caveatId
	if err := json.Unmarshal(data, &tpid); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal caveat id %q", data)
	}
	if tpid.ThirdPartyPublicKey == nil || !bytes.Equal(key.Public.Key[:], tpid.ThirdPartyPublicKey.Key[:]) {
		return nil, errgo.New("public key mismatch")
	}
	if tpid.FirstPartyPublicKey == nil {
		return nil, errgo.New("target service public key not specified")
	}
	secret, err := base64.StdEncoding.DecodeString(tpid.Id)
	if err != nil {
		return nil, errgo.Notef(err, "cannot base64-decode encrypted data")
	}
	var nonce [NonceLen]byte
	if copy(nonce[:], tpid.Nonce) < NonceLen {
		return nil, errgo.Newf("nonce too short %x", tpid.Nonce)
	}
	plain, ok := box.Open(nil, secret, &nonce, tpid.FirstPartyPublicKey.boxKey(), key.Private.boxKey())
	if !ok {
		return nil, errgo.Newf("cannot decrypt caveat id")
	}
	var record caveatIdRecord
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, errgo.Notef(err, "cannot decode third party caveat record")
	}
	return &ThirdPartyCaveatInfo{
		Condition:           []byte(record.Condition),
		FirstPartyPublicKey: *tpid.FirstPartyPublicKey,
		ThirdPartyKeyPair:   *key,
		RootKey:             record.RootKey,
		Caveat:              id,
		Version:             Version1,
		Namespace:           legacyNamespace(),
	}, nil
}

// decodeCaveatV2V3 decodes a version 2 or version 3 caveat id.
func decodeCaveatV2V3(version Version, key *KeyPair, id []byte) (*ThirdPartyCaveatInfo, error) {
	origId := id
	if len(id) < 1+publicKeyPrefixLen+KeyLen+NonceLen+box.Overhead {
		return nil, errgo.New("caveat id too short")
	}
	rest := id[1:] // skip version (already checked)

	publicKeyPrefix, rest := rest[:publicKeyPrefixLen], rest[publicKeyPrefixLen:]
	if !bytes.Equal(key.Public.Key[:publicKeyPrefixLen], publicKeyPrefix) {
		return nil, errgo.New("public key mismatch")
	}

	var firstPartyPub PublicKey
	copy(firstPartyPub.Key[:], rest[:KeyLen])
	rest = rest[KeyLen:]

	var nonce [NonceLen]byte
	copy(nonce[:], rest[:NonceLen])
	rest = rest[NonceLen:]

	data, ok := box.Open(nil, rest, &nonce, firstPartyPub.boxKey(), key.Private.boxKey())
	if !ok {
		return nil, errgo.Newf("cannot decrypt caveat id")
	}
	rootKey, condition, ns, err := decodeSecretPartV2V3(version, data)
	if err != nil {
		return nil, errgo.Notef(err, "invalid secret part")
	}
	return &ThirdPartyCaveatInfo{
		Condition:           condition,
		FirstPartyPublicKey: firstPartyPub,
		ThirdPartyKeyPair:   *key,
		RootKey:             rootKey,
		Caveat:              origId,
		Version:             version,
		Namespace:           ns,
	}, nil
}

func decodeSecretPartV2V3(version Version, data []byte) (rootKey, condition []byte, ns *checkers.Namespace, err error) {
	if len(data) < 1 {
		return nil, nil, nil, errgo.New("secret part too short")
	}
	gotVersion, data := Version(data[0]), data[1:]
	if gotVersion != version {
		return nil, nil, nil, errgo.Newf("unexpected secret part version, got %d want %d", gotVersion, version)
	}

	rootKeyLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(n)+rootKeyLen > uint64(len(data)) {
		return nil, nil, nil, errgo.Newf("invalid root key length")
	}
	data = data[n:]
	rootKey, data = data[:rootKeyLen], data[rootKeyLen:]

	if version < Version3 {
		return rootKey, data, legacyNamespace(), nil
	}
	nsLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(n)+nsLen > uint64(len(data)) {
		return nil, nil, nil, errgo.Newf("invalid namespace length")
	}
	data = data[n:]
	nsData, condition := data[:nsLen], data[nsLen:]
	ns, err = checkers.DeserializeNamespace(nsData)
	if err != nil {
		return nil, nil, nil, errgo.Notef(err, "cannot deserialize namespace")
	}
	return rootKey, condition, ns, nil
}

// legacyNamespace returns the implicit namespace assumed by version 1
// and version 2 caveats, predating namespace support: the standard
// checkers namespace URI is registered under the empty prefix.
func legacyNamespace() *checkers.Namespace {
	ns := checkers.NewNamespace(nil)
	ns.Register(checkers.StdNamespace, "")
	return ns
}
