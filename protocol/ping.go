package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ping is the client's periodic identity announcement: it carries the
// virtual IP the client owns and the address the server should route
// traffic for that IP back to. Field tags 1..5 match spec.md §3 exactly.
type Ping struct {
	Timestamp        int64
	LocalAddr        string
	LocalPrivateAddr string
	IP               string
	DC               string
}

const (
	pingFieldTimestamp        protowire.Number = 1
	pingFieldLocalAddr        protowire.Number = 2
	pingFieldLocalPrivateAddr protowire.Number = 3
	pingFieldIP               protowire.Number = 4
	pingFieldDC               protowire.Number = 5
)

// Marshal encodes p, omitting zero-valued fields as protobuf-3 requires.
func (p *Ping) Marshal() []byte {
	var buf []byte
	if p.Timestamp != 0 {
		buf = protowire.AppendTag(buf, pingFieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Timestamp))
	}
	if p.LocalAddr != "" {
		buf = protowire.AppendTag(buf, pingFieldLocalAddr, protowire.BytesType)
		buf = protowire.AppendString(buf, p.LocalAddr)
	}
	if p.LocalPrivateAddr != "" {
		buf = protowire.AppendTag(buf, pingFieldLocalPrivateAddr, protowire.BytesType)
		buf = protowire.AppendString(buf, p.LocalPrivateAddr)
	}
	if p.IP != "" {
		buf = protowire.AppendTag(buf, pingFieldIP, protowire.BytesType)
		buf = protowire.AppendString(buf, p.IP)
	}
	if p.DC != "" {
		buf = protowire.AppendTag(buf, pingFieldDC, protowire.BytesType)
		buf = protowire.AppendString(buf, p.DC)
	}
	return buf
}

// Unmarshal decodes a protobuf-3 MessagePing payload.
func (p *Ping) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("ping: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case pingFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("ping: timestamp: %w", protowire.ParseError(n))
			}
			p.Timestamp = int64(v)
			data = data[n:]
		case pingFieldLocalAddr:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("ping: local_addr: %w", protowire.ParseError(n))
			}
			p.LocalAddr = s
			data = data[n:]
		case pingFieldLocalPrivateAddr:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("ping: local_private_addr: %w", protowire.ParseError(n))
			}
			p.LocalPrivateAddr = s
			data = data[n:]
		case pingFieldIP:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("ping: ip: %w", protowire.ParseError(n))
			}
			p.IP = s
			data = data[n:]
		case pingFieldDC:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("ping: dc: %w", protowire.ParseError(n))
			}
			p.DC = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("ping: unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
