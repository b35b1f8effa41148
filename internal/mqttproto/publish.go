package mqttproto

import (
	"bytes"
	"io"
)

// PublishPacket carries an application message.
type PublishPacket struct {
	Dup      bool
	QoS      byte
	Retain   bool
	Topic    string
	PacketID uint16 // present iff QoS > 0
	Payload  []byte

	Properties *Properties
}

func (p *PublishPacket) Type() PacketType { return PUBLISH }

func decodePublish(r *bytes.Reader, h *FixedHeader, ver Version) (*PublishPacket, error) {
	pkt := &PublishPacket{
		Dup:    h.Flags&0x08 != 0,
		QoS:    (h.Flags >> 1) & 0x03,
		Retain: h.Flags&0x01 != 0,
	}

	topic, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	if containsWildcard(topic) {
		return nil, newCodecErr(MalformedPacket, "PUBLISH topic name contains wildcard")
	}
	pkt.Topic = topic

	if pkt.QoS > 0 {
		pid, err := readU16(r)
		if err != nil {
			return nil, err
		}
		if pid == 0 {
			return nil, newCodecErr(MalformedPacket, "packet id 0")
		}
		pkt.PacketID = pid
	}

	if ver == V5 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}

	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	pkt.Payload = payload
	return pkt, nil
}

func (p *PublishPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(WriteString(p.Topic))
	if p.QoS > 0 {
		var pid [2]byte
		pid[0] = byte(p.PacketID >> 8)
		pid[1] = byte(p.PacketID)
		buf.Write(pid[:])
	}
	if ver == V5 {
		props, err := encodeProperties(p.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

func containsWildcard(topic string) bool {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '+' || topic[i] == '#' {
			return true
		}
	}
	return false
}

// pubAckLike covers PUBACK/PUBREC/PUBREL/PUBCOMP, which share a wire shape:
// packet id, optional reason code (v5, omitted if Success and no
// properties), optional properties.
type pubAckLike struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func decodePubAckLike(r *bytes.Reader, remainingLen int, ver Version) (pubAckLike, error) {
	var out pubAckLike
	pid, err := readU16(r)
	if err != nil {
		return out, err
	}
	out.PacketID = pid
	out.ReasonCode = Success
	if ver == V5 && remainingLen > 2 {
		code, err := r.ReadByte()
		if err != nil {
			return out, err
		}
		out.ReasonCode = ReasonCode(code)
		if remainingLen > 3 {
			props, err := decodeProperties(r)
			if err != nil {
				return out, err
			}
			out.Properties = props
		}
	}
	return out, nil
}

func encodePubAckLike(v pubAckLike, ver Version) ([]byte, error) {
	var buf bytes.Buffer
	var pid [2]byte
	pid[0] = byte(v.PacketID >> 8)
	pid[1] = byte(v.PacketID)
	buf.Write(pid[:])
	if ver == V5 && (v.ReasonCode != Success || v.Properties != nil) {
		buf.WriteByte(byte(v.ReasonCode))
		props, err := encodeProperties(v.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	return buf.Bytes(), nil
}

// PubAckPacket acknowledges a QoS 1 PUBLISH.
type PubAckPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func (p *PubAckPacket) Type() PacketType { return PUBACK }

func decodePubAck(r *bytes.Reader, remainingLen int, ver Version) (*PubAckPacket, error) {
	v, err := decodePubAckLike(r, remainingLen, ver)
	if err != nil {
		return nil, err
	}
	return &PubAckPacket{PacketID: v.PacketID, ReasonCode: v.ReasonCode, Properties: v.Properties}, nil
}

func (p *PubAckPacket) encode(ver Version) ([]byte, error) {
	return encodePubAckLike(pubAckLike{p.PacketID, p.ReasonCode, p.Properties}, ver)
}

// PubRecPacket is the first QoS 2 response (sender perspective: received).
type PubRecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func (p *PubRecPacket) Type() PacketType { return PUBREC }

func decodePubRec(r *bytes.Reader, remainingLen int, ver Version) (*PubRecPacket, error) {
	v, err := decodePubAckLike(r, remainingLen, ver)
	if err != nil {
		return nil, err
	}
	return &PubRecPacket{v.PacketID, v.ReasonCode, v.Properties}, nil
}

func (p *PubRecPacket) encode(ver Version) ([]byte, error) {
	return encodePubAckLike(pubAckLike{p.PacketID, p.ReasonCode, p.Properties}, ver)
}

// PubRelPacket releases a QoS 2 message for delivery.
type PubRelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func (p *PubRelPacket) Type() PacketType { return PUBREL }

func decodePubRel(r *bytes.Reader, remainingLen int, ver Version) (*PubRelPacket, error) {
	v, err := decodePubAckLike(r, remainingLen, ver)
	if err != nil {
		return nil, err
	}
	return &PubRelPacket{v.PacketID, v.ReasonCode, v.Properties}, nil
}

func (p *PubRelPacket) encode(ver Version) ([]byte, error) {
	return encodePubAckLike(pubAckLike{p.PacketID, p.ReasonCode, p.Properties}, ver)
}

// PubCompPacket completes the QoS 2 handshake.
type PubCompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func (p *PubCompPacket) Type() PacketType { return PUBCOMP }

func decodePubComp(r *bytes.Reader, remainingLen int, ver Version) (*PubCompPacket, error) {
	v, err := decodePubAckLike(r, remainingLen, ver)
	if err != nil {
		return nil, err
	}
	return &PubCompPacket{v.PacketID, v.ReasonCode, v.Properties}, nil
}

func (p *PubCompPacket) encode(ver Version) ([]byte, error) {
	return encodePubAckLike(pubAckLike{p.PacketID, p.ReasonCode, p.Properties}, ver)
}
