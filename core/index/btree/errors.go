package btree

import "errors"

var (
	// ErrKeyNotFound is returned by GetValue/Remove when the key is absent.
	ErrKeyNotFound = errors.New("btree: key not found")
	// ErrKeyExists is returned by InsertOrError when the key is already
	// present (Insert reports that case as (false, nil)); this index does
	// not support duplicate keys.
	ErrKeyExists = errors.New("btree: key already exists")
	// ErrWrongKeySize is returned when a caller passes a key whose length
	// does not match the tree's configured KeySize.
	ErrWrongKeySize = errors.New("btree: key has wrong size for this tree")
	// ErrChecksumMismatch is returned by deserialize when a page's trailing
	// CRC32 does not match its content, signalling on-disk corruption.
	ErrChecksumMismatch = errors.New("btree: page checksum mismatch")
	// ErrCorruptNode is returned by deserialize for structurally impossible
	// node content (e.g. an unrecognized node type).
	ErrCorruptNode = errors.New("btree: corrupt node page")
	// ErrIndexNotFound is returned by Open when no header record exists for
	// the requested index name.
	ErrIndexNotFound = errors.New("btree: named index not found")
	// ErrIndexExists is returned by Create when the name is already
	// registered in the header page.
	ErrIndexExists = errors.New("btree: named index already exists")
	// ErrTreeTooDeep is returned when a descent retry budget is exhausted;
	// see SPEC_FULL.md §4 "Bounded retry-from-root".
	ErrTreeTooDeep = errors.New("btree: exceeded maximum descent retries")
)
