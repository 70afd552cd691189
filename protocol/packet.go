package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Packet carries one raw IPv4 datagram through the tunnel.
type Packet struct {
	Payload []byte
}

const packetFieldPayload protowire.Number = 1

// Marshal encodes p, omitting the field entirely when Payload is empty.
func (p *Packet) Marshal() []byte {
	if len(p.Payload) == 0 {
		return nil
	}
	var buf []byte
	buf = protowire.AppendTag(buf, packetFieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Payload)
	return buf
}

// Unmarshal decodes a protobuf-3 MessagePacket payload.
func (p *Packet) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("packet: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case packetFieldPayload:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("packet: payload: %w", protowire.ParseError(n))
			}
			p.Payload = append([]byte(nil), b...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("packet: unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
