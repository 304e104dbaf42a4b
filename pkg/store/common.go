package store

import (
	"bytes"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
)

// checkIdempotentPut enforces the put contract shared by every backend:
// equal bytes for an existing ID succeed silently (returns skip=true),
// unequal bytes are a fatal integrity error.
func checkIdempotentPut(objID id.ID, existing, incoming []byte, existed bool) (skip bool, err error) {
	if !existed {
		return false, nil
	}
	if bytes.Equal(existing, incoming) {
		return true, nil
	}
	return false, terror.New(terror.IntegrityViolation,
		"put for %s conflicts with existing content of a different length or bytes", objID).
		With("id", objID.String())
}
