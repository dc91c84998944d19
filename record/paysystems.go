// Package record implements the small extensible key/value encoding used
// for LinkPaymentInfo's paysystem list. It plays the same role the
// teacher's record package plays for custom TLV fields on HTLCs
// (record.CustomSet): letting new fields be added to the handshake payload
// without breaking wire compatibility with relays that don't understand
// them.
//
// The teacher's own TLV codec (github.com/lightningnetwork/lnd/tlv) is a
// separate, generics-heavy module whose exact surface at the version the
// teacher pins can't be verified without running the toolchain; rather than
// risk an unseen API, this package reimplements the minimal subset the
// handshake payload actually needs, with fixed-width big-endian length
// prefixes, in the same type=>bytes map shape as record.CustomSet.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PaysystemTypeStart mirrors CustomTypeStart: values below this are
// reserved for core fields (name, address), values at or above it are
// free for a payment backend to attach its own metadata.
const PaysystemTypeStart = 65536

// FieldSet stores a set of typed key/value pairs, keyed the same way the
// teacher's CustomSet keys HTLC custom records.
type FieldSet map[uint64][]byte

// Validate checks that any field above PaysystemTypeStart is well-formed;
// core fields are always allowed.
func (f FieldSet) Validate() error {
	for k, v := range f {
		if k >= PaysystemTypeStart && len(v) == 0 {
			return fmt.Errorf("custom paysystem field %d has empty value", k)
		}
	}
	return nil
}

// Paysystem core field types.
const (
	FieldName uint64 = iota
	FieldAddress
)

// PaysystemNameAddr is one (name, address) entry from
// LinkPaymentInfo.paysystems.
type PaysystemNameAddr struct {
	Name    string
	Address string
}

// EncodePaysystems serializes the ordered list of (name, address) pairs
// into a stream of a uint32 entry count followed by one FieldSet per
// entry; a FieldSet is a uint32 field count, then per field a uint64 key,
// a uint32 length and the value.
func EncodePaysystems(entries []PaysystemNameAddr) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		fs := FieldSet{
			FieldName:    []byte(e.Name),
			FieldAddress: []byte(e.Address),
		}
		if err := fs.Validate(); err != nil {
			return nil, err
		}
		if err := encodeFieldSet(&buf, fs); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodePaysystems is the inverse of EncodePaysystems.
func DecodePaysystems(b []byte) ([]PaysystemNameAddr, error) {
	r := bytes.NewReader(b)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading paysystem count: %w", err)
	}

	out := make([]PaysystemNameAddr, 0, count)
	for i := uint32(0); i < count; i++ {
		fs, err := decodeFieldSet(r)
		if err != nil {
			return nil, fmt.Errorf("decoding paysystem entry %d: %w", i, err)
		}
		out = append(out, PaysystemNameAddr{
			Name:    string(fs[FieldName]),
			Address: string(fs[FieldAddress]),
		})
	}
	return out, nil
}

func encodeFieldSet(w io.Writer, fs FieldSet) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(fs))); err != nil {
		return err
	}
	for k, v := range fs {
		if err := binary.Write(w, binary.BigEndian, k); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(v))); err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			return err
		}
	}
	return nil
}

func decodeFieldSet(r io.Reader) (FieldSet, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	fs := make(FieldSet, n)
	for i := uint32(0); i < n; i++ {
		var key uint64
		if err := binary.Read(r, binary.BigEndian, &key); err != nil {
			return nil, err
		}
		var vlen uint32
		if err := binary.Read(r, binary.BigEndian, &vlen); err != nil {
			return nil, err
		}
		val := make([]byte, vlen)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		fs[key] = val
	}
	return fs, nil
}
