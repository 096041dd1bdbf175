// Package bakerypb holds the wire types used to encode macaroon ids.
//
// The encoding is a private, internal detail of the bakery package: it
// is never interpreted by anything outside this module, so it is kept
// as a small hand-written binary format rather than generated from a
// .proto schema.
package bakerypb

// MacaroonId holds the information encoded in a macaroon id minted by
// an Oven.
type MacaroonId struct {
	Nonce     []byte
	StorageId []byte
	Ops       []*Op
}

// Op mirrors bakery.Op in a form suitable for serializing as part of a
// MacaroonId.
type Op struct {
	Entity  string
	Actions []string
}
