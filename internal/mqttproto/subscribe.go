package mqttproto

import "bytes"

// SubscriptionOptions are the per-filter bits of a SUBSCRIBE request.
type SubscriptionOptions struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte // 0=send, 1=send if new, 2=never
}

// SubscribeFilter pairs a topic filter with its requested options.
type SubscribeFilter struct {
	Filter  string
	Options SubscriptionOptions
}

// SubscribePacket requests one or more subscriptions.
type SubscribePacket struct {
	PacketID   uint16
	Filters    []SubscribeFilter
	Properties *Properties
}

func (s *SubscribePacket) Type() PacketType { return SUBSCRIBE }

func decodeSubscribe(r *bytes.Reader, remainingLen int, ver Version) (*SubscribePacket, error) {
	pkt := &SubscribePacket{}
	pid, err := readU16(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = pid

	if ver == V5 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}

	if r.Len() == 0 {
		return nil, newCodecErr(MalformedPacket, "SUBSCRIBE with no filters")
	}

	for r.Len() > 0 {
		filter, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		optByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		opts := SubscriptionOptions{QoS: optByte & 0x03}
		if ver == V5 {
			if optByte&0xC0 != 0 {
				return nil, newCodecErr(MalformedPacket, "SUBSCRIBE reserved bits")
			}
			opts.NoLocal = optByte&0x04 != 0
			opts.RetainAsPublished = optByte&0x08 != 0
			opts.RetainHandling = (optByte >> 4) & 0x03
			if opts.RetainHandling == 3 {
				return nil, newCodecErr(MalformedPacket, "invalid retain handling")
			}
		}
		if opts.QoS == 3 {
			return nil, newCodecErr(MalformedPacket, "requested QoS=3")
		}
		pkt.Filters = append(pkt.Filters, SubscribeFilter{Filter: filter, Options: opts})
	}
	return pkt, nil
}

func (s *SubscribePacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	var pid [2]byte
	pid[0] = byte(s.PacketID >> 8)
	pid[1] = byte(s.PacketID)
	buf.Write(pid[:])
	if ver == V5 {
		props, err := encodeProperties(s.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	for _, f := range s.Filters {
		buf.Write(WriteString(f.Filter))
		optByte := f.Options.QoS & 0x03
		if ver == V5 {
			if f.Options.NoLocal {
				optByte |= 0x04
			}
			if f.Options.RetainAsPublished {
				optByte |= 0x08
			}
			optByte |= (f.Options.RetainHandling & 0x03) << 4
		}
		buf.WriteByte(optByte)
	}
	return buf.Bytes(), nil
}

// SubAckPacket grants (or rejects) each requested subscription.
type SubAckPacket struct {
	PacketID   uint16
	ReasonCodes []ReasonCode
	Properties  *Properties
}

func (s *SubAckPacket) Type() PacketType { return SUBACK }

func decodeSubAck(r *bytes.Reader, remainingLen int, ver Version) (*SubAckPacket, error) {
	pkt := &SubAckPacket{}
	pid, err := readU16(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = pid
	if ver == V5 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}
	for r.Len() > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(b))
	}
	return pkt, nil
}

func (s *SubAckPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	var pid [2]byte
	pid[0] = byte(s.PacketID >> 8)
	pid[1] = byte(s.PacketID)
	buf.Write(pid[:])
	if ver == V5 {
		props, err := encodeProperties(s.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	for _, rc := range s.ReasonCodes {
		buf.WriteByte(byte(rc))
	}
	return buf.Bytes(), nil
}
