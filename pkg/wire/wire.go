// Package wire implements the entry codec: the framed tagged union that
// is the only thing ever written to the shared log. Every record is one
// of an Intention or an AfterImage; a message whose tag is unset or
// unrecognized is a hard decode error, never a recoverable one.
//
// Positions are a property of the log slot a record lives in, not of the
// record body, so neither Intention nor AfterImage encodes its own
// position -- callers decorate the decoded value with the position they
// read it from.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

// OpKind tags a single operation inside an intention.
type OpKind uint8

const (
	OpUnspecified OpKind = iota
	OpGet
	OpPut
	OpDelete
)

// Op is one read or write recorded against a transaction's snapshot.
// Value is only meaningful when Kind is OpPut.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Intention is a proposed transaction: the tree version it read against,
// a client correlation token, and its ordered reads/writes. Position is
// set once the intention has been appended; it is never part of the wire
// encoding.
type Intention struct {
	Position types.Position
	Snapshot types.Position
	Token    types.Token
	Ops      []Op
}

// AfterImage references the intention it post-images and carries the
// serialized persistent tree produced by committing it. Well-formed
// after-images always satisfy IntentionRef < Position.
type AfterImage struct {
	Position     types.Position
	IntentionRef types.Position
	Tree         []byte
}

// Kind tags a LogEntry's payload.
type Kind uint8

const (
	// KindUnspecified is MSG_NOT_SET: decoding a message with this tag
	// is always an error.
	KindUnspecified Kind = iota
	KindIntention
	KindAfterImage
)

// LogEntry is the tagged union actually written to and read from the
// shared log.
type LogEntry struct {
	Kind       Kind
	Intention  *Intention
	AfterImage *AfterImage
}

// Encode serializes e into its wire representation.
func Encode(e LogEntry) ([]byte, error) {
	var buf bytes.Buffer

	switch e.Kind {
	case KindIntention:
		if e.Intention == nil {
			return nil, fmt.Errorf("wire: encode: intention entry with nil body: %w", cruzerr.ErrMalformedEntry)
		}
		if err := buf.WriteByte(byte(KindIntention)); err != nil {
			return nil, err
		}
		if err := writeIntention(&buf, e.Intention); err != nil {
			return nil, err
		}
	case KindAfterImage:
		if e.AfterImage == nil {
			return nil, fmt.Errorf("wire: encode: after-image entry with nil body: %w", cruzerr.ErrMalformedEntry)
		}
		if err := buf.WriteByte(byte(KindAfterImage)); err != nil {
			return nil, err
		}
		if err := writeAfterImage(&buf, e.AfterImage); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: encode: %w: tag %d", cruzerr.ErrMalformedEntry, e.Kind)
	}

	return buf.Bytes(), nil
}

// Decode parses blob into a LogEntry. A tag of KindUnspecified (or any
// tag the codec doesn't recognize) always fails with ErrMalformedEntry.
func Decode(blob []byte) (LogEntry, error) {
	r := bytes.NewReader(blob)

	tag, err := r.ReadByte()
	if err != nil {
		return LogEntry{}, fmt.Errorf("wire: decode: read tag: %w", err)
	}

	switch Kind(tag) {
	case KindIntention:
		intention, err := readIntention(r)
		if err != nil {
			return LogEntry{}, fmt.Errorf("wire: decode intention: %w", err)
		}
		return LogEntry{Kind: KindIntention, Intention: intention}, nil
	case KindAfterImage:
		ai, err := readAfterImage(r)
		if err != nil {
			return LogEntry{}, fmt.Errorf("wire: decode after-image: %w", err)
		}
		return LogEntry{Kind: KindAfterImage, AfterImage: ai}, nil
	default:
		return LogEntry{}, fmt.Errorf("wire: decode: %w: tag %d", cruzerr.ErrMalformedEntry, tag)
	}
}

// DecodeIntention decodes blob and asserts that it is an intention,
// which is the contract ReadIntentions relies on when filling a cache
// miss.
func DecodeIntention(blob []byte) (*Intention, error) {
	entry, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	if entry.Kind != KindIntention {
		return nil, fmt.Errorf("wire: expected intention, got kind %d: %w", entry.Kind, cruzerr.ErrContractViolation)
	}
	return entry.Intention, nil
}

func writeIntention(w io.Writer, in *Intention) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(in.Snapshot)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(in.Token)); err != nil {
		return err
	}
	if len(in.Ops) > math.MaxUint32 {
		return fmt.Errorf("wire: too many ops: %d", len(in.Ops))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(in.Ops))); err != nil {
		return err
	}
	for _, op := range in.Ops {
		if err := writeOp(w, op); err != nil {
			return err
		}
	}
	return nil
}

func writeOp(w io.Writer, op Op) error {
	if err := binary.Write(w, binary.LittleEndian, byte(op.Kind)); err != nil {
		return err
	}
	if err := writeBlob(w, op.Key); err != nil {
		return err
	}
	if op.Kind == OpPut {
		if err := writeBlob(w, op.Value); err != nil {
			return err
		}
	}
	return nil
}

func writeAfterImage(w io.Writer, ai *AfterImage) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(ai.IntentionRef)); err != nil {
		return err
	}
	return writeBlob(w, ai.Tree)
}

func writeBlob(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint32 {
		return fmt.Errorf("wire: blob too large: %d bytes", len(b))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readIntention(r io.Reader) (*Intention, error) {
	var snapshot, token uint64
	if err := binary.Read(r, binary.LittleEndian, &snapshot); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &token); err != nil {
		return nil, err
	}

	var opCount uint32
	if err := binary.Read(r, binary.LittleEndian, &opCount); err != nil {
		return nil, err
	}

	ops := make([]Op, 0, opCount)
	for i := uint32(0); i < opCount; i++ {
		op, err := readOp(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return &Intention{
		Position: types.NoPosition,
		Snapshot: types.Position(snapshot),
		Token:    types.Token(token),
		Ops:      ops,
	}, nil
}

func readOp(r io.Reader) (Op, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return Op{}, err
	}
	kind := OpKind(kindByte[0])

	key, err := readBlob(r)
	if err != nil {
		return Op{}, err
	}

	op := Op{Kind: kind, Key: key}
	if kind == OpPut {
		value, err := readBlob(r)
		if err != nil {
			return Op{}, err
		}
		op.Value = value
	}
	return op, nil
}

func readAfterImage(r io.Reader) (*AfterImage, error) {
	var ref uint64
	if err := binary.Read(r, binary.LittleEndian, &ref); err != nil {
		return nil, err
	}
	tree, err := readBlob(r)
	if err != nil {
		return nil, err
	}
	return &AfterImage{
		Position:     types.NoPosition,
		IntentionRef: types.Position(ref),
		Tree:         tree,
	}, nil
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
