package checkers

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	errgo "gopkg.in/errgo.v1"
)

// Namespace holds a mapping from schema URIs to the prefixes used to
// encode them in first-party caveat conditions. Several different URIs
// may map to the same prefix - this is usual when several backwardly
// compatible schema versions are registered.
type Namespace struct {
	uriToPrefix map[string]string
}

// NewNamespace returns a new namespace with the given initial
// contents. uriToPrefix may be nil.
func NewNamespace(uriToPrefix map[string]string) *Namespace {
	ns := &Namespace{
		uriToPrefix: make(map[string]string),
	}
	for uri, prefix := range uriToPrefix {
		ns.uriToPrefix[uri] = prefix
	}
	return ns
}

// EnsureResolved tries to resolve the given schema URI to a prefix and
// returns the prefix and whether the resolution was successful.
func (ns *Namespace) EnsureResolved(uri string) (string, bool) {
	return ns.Resolve(uri)
}

// Resolve resolves the given schema URI to its registered prefix and
// reports whether the resolution was successful.
//
// If ns is nil, it is treated as if it were empty.
func (ns *Namespace) Resolve(uri string) (string, bool) {
	if ns == nil {
		return "", false
	}
	prefix, ok := ns.uriToPrefix[uri]
	return prefix, ok
}

// ResolveCaveat resolves the given caveat by mapping its namespace URI
// to its registered prefix using Resolve. If there is no registered
// prefix for the namespace, it returns an error caveat instead.
//
// If cav.Namespace is empty or cav.Location is non-empty (it's a
// third-party caveat, whose condition is private to the discharger),
// it returns cav unchanged. If ns is nil, it is treated as empty.
func (ns *Namespace) ResolveCaveat(cav Caveat) Caveat {
	if cav.Namespace == "" || cav.Location != "" {
		return cav
	}
	prefix, ok := ns.Resolve(cav.Namespace)
	if !ok {
		return ErrorCaveatf("caveat %q in unregistered namespace %q", cav.Condition, cav.Namespace)
	}
	if prefix != "" {
		cav.Condition = ConditionWithPrefix(prefix, cav.Condition)
	}
	cav.Namespace = ""
	return cav
}

// ConditionWithPrefix returns the given condition string prefixed with
// the given prefix. If the prefix is empty, s is returned unchanged; a
// colon separates prefix and condition otherwise.
func ConditionWithPrefix(prefix, s string) string {
	if prefix == "" {
		return s
	}
	return prefix + ":" + s
}

// Register registers the given URI and associates it with the given
// prefix. If the URI has already been registered, this is a no-op:
// the first registration wins. It panics if uri is not a valid schema
// URI (see IsValidSchemaURI) or prefix is not a valid prefix (see
// IsValidPrefix).
func (ns *Namespace) Register(uri, prefix string) {
	if !IsValidSchemaURI(uri) {
		panic(errgo.Newf("cannot register invalid URI %q (prefix %q)", uri, prefix))
	}
	if !IsValidPrefix(prefix) {
		panic(errgo.Newf("cannot register invalid prefix %q for URI %q", prefix, uri))
	}
	if _, ok := ns.uriToPrefix[uri]; !ok {
		ns.uriToPrefix[uri] = prefix
	}
}

// Serialize returns the canonical serialized form of the namespace: its
// entries, sorted by URI, rendered as "uri:prefix" and joined with
// spaces. An empty namespace serializes to an empty (not nil) byte
// slice.
func (ns *Namespace) Serialize() []byte {
	if ns == nil || len(ns.uriToPrefix) == 0 {
		return []byte{}
	}
	uris := make([]string, 0, len(ns.uriToPrefix))
	for uri := range ns.uriToPrefix {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	parts := make([]string, len(uris))
	for i, uri := range uris {
		parts[i] = uri + ":" + ns.uriToPrefix[uri]
	}
	return []byte(strings.Join(parts, " "))
}

// String returns the serialized form of the namespace, as returned by
// Serialize.
func (ns *Namespace) String() string {
	return string(ns.Serialize())
}

// Equal reports whether ns and ns1 hold the same URI to prefix
// mappings. Two nil namespaces are equal; a nil namespace is not equal
// to a non-nil one, even an empty one.
func (ns *Namespace) Equal(ns1 *Namespace) bool {
	if ns == nil || ns1 == nil {
		return ns == ns1
	}
	if len(ns.uriToPrefix) != len(ns1.uriToPrefix) {
		return false
	}
	for uri, prefix := range ns.uriToPrefix {
		if prefix1, ok := ns1.uriToPrefix[uri]; !ok || prefix1 != prefix {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (ns *Namespace) MarshalText() ([]byte, error) {
	return ns.Serialize(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ns *Namespace) UnmarshalText(data []byte) error {
	ns1, err := DeserializeNamespace(data)
	if err != nil {
		return errgo.Mask(err)
	}
	*ns = *ns1
	return nil
}

// DeserializeNamespace parses the serialized form produced by
// Namespace.Serialize. It is an error for the same URI to appear more
// than once.
func DeserializeNamespace(data []byte) (*Namespace, error) {
	ns := NewNamespace(nil)
	s := strings.TrimSpace(string(data))
	if s == "" {
		return ns, nil
	}
	for _, entry := range strings.Fields(s) {
		i := strings.LastIndexByte(entry, ':')
		if i < 0 {
			return nil, errgo.Newf("no colon in namespace field %q", entry)
		}
		uri, prefix := entry[:i], entry[i+1:]
		if !IsValidSchemaURI(uri) {
			return nil, errgo.Newf("invalid URI %q in namespace field %q", uri, entry)
		}
		if !IsValidPrefix(prefix) {
			return nil, errgo.Newf("invalid prefix %q in namespace field %q", prefix, entry)
		}
		if _, ok := ns.uriToPrefix[uri]; ok {
			return nil, errgo.Newf("duplicate URI %q in namespace %q", uri, data)
		}
		ns.uriToPrefix[uri] = prefix
	}
	return ns, nil
}

// IsValidSchemaURI reports whether uri is suitable for use as a
// namespace schema URI: it must be non-empty, valid UTF-8 and contain
// no white space.
func IsValidSchemaURI(uri string) bool {
	return uri != "" && utf8.ValidString(uri) && strings.IndexFunc(uri, unicode.IsSpace) == -1
}

// IsValidPrefix reports whether prefix is suitable for use as a
// namespace prefix: it must be valid UTF-8 and contain no white space
// and no colon. The empty prefix is valid.
func IsValidPrefix(prefix string) bool {
	return utf8.ValidString(prefix) && strings.IndexFunc(prefix, unicode.IsSpace) == -1 && !strings.Contains(prefix, ":")
}
