// Package protocol implements the wire envelope carried on every qtun
// frame: a two-variant sum type (Ping or Packet), encoded byte-for-byte
// compatible with the protobuf-3 schema spec.md §3 defines. It is a
// hand-rolled codec over google.golang.org/protobuf/encoding/protowire
// rather than a protoc-generated package, the same technique the original
// Rust implementation uses manually against prost::encoding — no .proto
// file or code generation step is needed for two small, stable messages.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is a discriminated union: exactly one of Ping or Packet is set
// on the wire, modeled as optional pointer fields rather than an
// inheritance hierarchy, per the sum-type-dispatch guidance in spec.md §9.
type Envelope struct {
	Ping   *Ping
	Packet *Packet
}

const (
	envelopeFieldPing   protowire.Number = 1
	envelopeFieldPacket protowire.Number = 2
)

// Marshal encodes the envelope as a protobuf-3 message.
func (e *Envelope) Marshal() []byte {
	var buf []byte
	switch {
	case e.Ping != nil:
		inner := e.Ping.Marshal()
		buf = protowire.AppendTag(buf, envelopeFieldPing, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	case e.Packet != nil:
		inner := e.Packet.Marshal()
		buf = protowire.AppendTag(buf, envelopeFieldPacket, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	return buf
}

// Unmarshal decodes a protobuf-3 Envelope. Unknown tags are skipped, not
// rejected, so future variants remain forward compatible.
func (e *Envelope) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("envelope: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case envelopeFieldPing:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("envelope: ping field: %w", protowire.ParseError(n))
			}
			ping := &Ping{}
			if err := ping.Unmarshal(inner); err != nil {
				return fmt.Errorf("envelope: %w", err)
			}
			e.Ping = ping
			e.Packet = nil
			data = data[n:]
		case envelopeFieldPacket:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("envelope: packet field: %w", protowire.ParseError(n))
			}
			pkt := &Packet{}
			if err := pkt.Unmarshal(inner); err != nil {
				return fmt.Errorf("envelope: %w", err)
			}
			e.Packet = pkt
			e.Ping = nil
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("envelope: unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
