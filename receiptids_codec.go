package rkstate

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The file backend stores each ID as a protobuf wire record, field 1 of
// type bytes:
//
//	[varint] tag (field 1, wire type 2)
//	[varint] length
//	[n]byte: receipt ID (UTF-8)
//
// A file is a plain concatenation of such records, so it is a valid
// encoding of a message with a repeated string field 1.
const idRecordField protowire.Number = 1

// appendIDRecord appends the wire record for id to b.
func appendIDRecord(b []byte, id string) []byte {
	b = protowire.AppendTag(b, idRecordField, protowire.BytesType)
	return protowire.AppendString(b, id)
}

// decodeIDRecords decodes a concatenation of ID records. Unknown fields are
// skipped; a truncated record is an error.
func decodeIDRecords(b []byte, fn func(id string)) error {
	for off := 0; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("record at offset %d: %w", off, protowire.ParseError(n))
		}
		b, off = b[n:], off+n
		if num != idRecordField || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("record at offset %d: %w", off, protowire.ParseError(m))
			}
			b, off = b[m:], off+m
			continue
		}
		id, m := protowire.ConsumeString(b)
		if m < 0 {
			return fmt.Errorf("record at offset %d: %w", off, protowire.ParseError(m))
		}
		fn(id)
		b, off = b[m:], off+m
	}
	return nil
}
