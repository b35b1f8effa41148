package mqttproto

import "bytes"

// UnsubscribePacket requests removal of one or more subscriptions.
type UnsubscribePacket struct {
	PacketID   uint16
	Filters    []string
	Properties *Properties
}

func (u *UnsubscribePacket) Type() PacketType { return UNSUBSCRIBE }

func decodeUnsubscribe(r *bytes.Reader, remainingLen int, ver Version) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{}
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
		return nil, newCodecErr(MalformedPacket, "UNSUBSCRIBE with no filters")
	}
	for r.Len() > 0 {
		f, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		pkt.Filters = append(pkt.Filters, f)
	}
	return pkt, nil
}

func (u *UnsubscribePacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	var pid [2]byte
	pid[0] = byte(u.PacketID >> 8)
	pid[1] = byte(u.PacketID)
	buf.Write(pid[:])
	if ver == V5 {
		props, err := encodeProperties(u.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	for _, f := range u.Filters {
		buf.Write(WriteString(f))
	}
	return buf.Bytes(), nil
}

// UnsubAckPacket acknowledges an UNSUBSCRIBE.
type UnsubAckPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode // v5 only; v3.1.1 carries none
	Properties  *Properties
}

func (u *UnsubAckPacket) Type() PacketType { return UNSUBACK }

func decodeUnsubAck(r *bytes.Reader, remainingLen int, ver Version) (*UnsubAckPacket, error) {
	pkt := &UnsubAckPacket{}
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
		for r.Len() > 0 {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(b))
		}
	}
	return pkt, nil
}

func (u *UnsubAckPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	var pid [2]byte
	pid[0] = byte(u.PacketID >> 8)
	pid[1] = byte(u.PacketID)
	buf.Write(pid[:])
	if ver == V5 {
		props, err := encodeProperties(u.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
		for _, rc := range u.ReasonCodes {
			buf.WriteByte(byte(rc))
		}
	}
	return buf.Bytes(), nil
}
