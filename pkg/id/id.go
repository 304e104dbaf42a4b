// Package id implements Tangram's self-describing identifiers (§3.1,
// §6.2): a 3-letter kind tag, an underscore, a version byte, a body
// kind byte (0 = UUIDv7, 1 = BLAKE3), and a base32hex body.
package id

import (
	"encoding/base32"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"tangram.dev/tangram/pkg/terror"
)

// Kind is the 3-letter entity-kind tag.
type Kind string

const (
	KindDirectory Kind = "dir"
	KindFile      Kind = "fil"
	KindSymlink   Kind = "sym"
	KindBlob      Kind = "blb"
	KindGraph     Kind = "gph"
	KindCommand   Kind = "cmd"
	KindProcess   Kind = "pcs"
	KindTag       Kind = "tag"
)

// BodyKind distinguishes a content-addressed body from an identity-addressed one.
type BodyKind byte

const (
	BodyUUID  BodyKind = 0
	BodyBlake BodyKind = 1
)

// base32hex, lowercased, matching the ID grammar's "0-9a-v" alphabet.
var encoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

var pattern = regexp.MustCompile(`^[a-z]{3}_0[01][0-9a-v]+$`)

// ID is a self-describing identifier for a content-addressed object or
// an identity-addressed process/tag.
type ID struct {
	kind Kind
	body BodyKind
	raw  []byte
}

// Kind reports the entity kind tag.
func (i ID) Kind() Kind { return i.kind }

// IsContentAddressed reports whether this ID's body is a content hash.
func (i ID) IsContentAddressed() bool { return i.body == BodyBlake }

// String renders the canonical textual form of the ID.
func (i ID) String() string {
	var b strings.Builder
	b.WriteString(string(i.kind))
	b.WriteByte('_')
	b.WriteByte('0')
	if i.body == BodyBlake {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteString(encoding.EncodeToString(i.raw))
	return b.String()
}

// IsZero reports whether the ID was never assigned.
func (i ID) IsZero() bool { return len(i.raw) == 0 }

// Equal reports whether two IDs denote the same entity.
func (i ID) Equal(other ID) bool {
	return i.kind == other.kind && i.body == other.body && string(i.raw) == string(other.raw)
}

// NewContent computes the content-addressed ID for canonically
// serialized bytes, per the invariant id(o) = hash(canonical(o)) (§3.4).
func NewContent(kind Kind, canonical []byte) ID {
	sum := blake3.Sum256(canonical)
	return ID{kind: kind, body: BodyBlake, raw: sum[:]}
}

// NewIdentity mints a fresh identity-addressed ID (for processes and tags).
func NewIdentity(kind Kind) ID {
	u := uuid.Must(uuid.NewV7())
	return ID{kind: kind, body: BodyUUID, raw: u[:]}
}

// Parse validates and decodes a textual ID.
func Parse(s string) (ID, error) {
	if !pattern.MatchString(s) {
		return ID{}, terror.New(terror.Invalid, "malformed id %q", s)
	}
	kind := Kind(s[:3])
	bodyByte := s[5]
	body := BodyUUID
	if bodyByte == '1' {
		body = BodyBlake
	}
	raw, err := encoding.DecodeString(s[6:])
	if err != nil {
		return ID{}, terror.Wrap(terror.Invalid, err, "decoding id body %q", s)
	}
	return ID{kind: kind, body: body, raw: raw}, nil
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as
// their canonical string form in JSON and the value-notation encoder.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
