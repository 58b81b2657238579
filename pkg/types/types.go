// Package types holds the small value types shared across the entry
// ingest core: log positions, client correlation tokens, and the opaque
// node references that make up a tree mutation delta.
package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Position is a slot number in the shared log. It is monotonically
// increasing and assigned by the log adapter on Append; the core never
// invents positions of its own.
type Position uint64

// Token is a client-supplied correlation id carried by an intention. The
// core treats it as opaque.
type Token uint64

// NodeRef is an opaque reference to a persistent-tree node touched by a
// transaction. The core only ever moves these around in a delta slice; it
// never looks inside one.
type NodeRef []byte

// NoPosition distinguishes "no position assigned yet" from position 0,
// which is itself a valid log slot.
const NoPosition Position = ^Position(0)
