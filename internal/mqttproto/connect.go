package mqttproto

import (
	"bytes"
	"encoding/binary"
)

// ConnectPacket is the client's initial handshake packet.
type ConnectPacket struct {
	ProtocolName    string
	ProtocolVersion Version
	CleanStart      bool
	WillFlag        bool
	WillQoS         byte
	WillRetain      bool
	KeepAlive       uint16
	ClientID        string

	WillTopic      string
	WillPayload    []byte
	WillProperties *Properties

	Username     string
	HasUsername  bool
	Password     []byte
	HasPassword  bool

	Properties *Properties
}

func (c *ConnectPacket) Type() PacketType { return CONNECT }

func decodeConnect(r *bytes.Reader) (*ConnectPacket, error) {
	pkt := &ConnectPacket{}

	name, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = name
	if name != "MQTT" && name != "MQIsdp" {
		return nil, newCodecErr(UnsupportedProtocol, name)
	}

	verByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = Version(verByte)
	if pkt.ProtocolVersion != V311 && pkt.ProtocolVersion != V5 {
		return nil, newCodecErr(UnsupportedProtocol, "")
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, newCodecErr(MalformedPacket, "CONNECT reserved flag set")
	}
	hasUsername := flags&0x80 != 0
	hasPassword := flags&0x40 != 0
	pkt.WillRetain = flags&0x20 != 0
	pkt.WillQoS = (flags >> 3) & 0x03
	pkt.WillFlag = flags&0x04 != 0
	pkt.CleanStart = flags&0x02 != 0

	if !pkt.WillFlag && (pkt.WillQoS != 0 || pkt.WillRetain) {
		return nil, newCodecErr(MalformedPacket, "will flags set without will")
	}
	if pkt.WillQoS == 3 {
		return nil, newCodecErr(MalformedPacket, "will QoS=3")
	}

	ka, err := readU16(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = ka

	if pkt.ProtocolVersion == V5 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}

	clientID, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		if pkt.ProtocolVersion == V5 {
			wp, err := decodeProperties(r)
			if err != nil {
				return nil, err
			}
			pkt.WillProperties = wp
		}
		topic, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = topic
		payload, err := ReadBinary(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = payload
	}

	if hasUsername {
		u, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = u
		pkt.HasUsername = true
	}
	if hasPassword {
		p, err := ReadBinary(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = p
		pkt.HasPassword = true
	}

	return pkt, nil
}

// ConnackPacket acknowledges a CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode // v3.1.1 "return code" subset reused here
	Properties     *Properties
}

func (c *ConnackPacket) Type() PacketType { return CONNACK }

func decodeConnack(r *bytes.Reader, ver Version) (*ConnackPacket, error) {
	ackFlags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if ackFlags&0xFE != 0 {
		return nil, newCodecErr(MalformedPacket, "CONNACK reserved bits")
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt := &ConnackPacket{SessionPresent: ackFlags&0x01 != 0, ReasonCode: ReasonCode(code)}
	if ver == V5 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}
	return pkt, nil
}

func (c *ConnackPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	flags := byte(0)
	if c.SessionPresent {
		flags = 1
	}
	buf.WriteByte(flags)
	buf.WriteByte(byte(c.ReasonCode))
	if ver == V5 {
		props, err := encodeProperties(c.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}
	return buf.Bytes(), nil
}

func (c *ConnectPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(WriteString(ProtocolNameFor(ver)))
	buf.WriteByte(byte(ver))

	flags := byte(0)
	if c.HasUsername {
		flags |= 0x80
	}
	if c.HasPassword {
		flags |= 0x40
	}
	if c.WillFlag {
		flags |= 0x04 | (c.WillQoS << 3)
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.CleanStart {
		flags |= 0x02
	}
	buf.WriteByte(flags)

	var ka [2]byte
	binary.BigEndian.PutUint16(ka[:], c.KeepAlive)
	buf.Write(ka[:])

	if ver == V5 {
		props, err := encodeProperties(c.Properties)
		if err != nil {
			return nil, err
		}
		buf.Write(props)
	}

	buf.Write(WriteString(c.ClientID))

	if c.WillFlag {
		if ver == V5 {
			wp, err := encodeProperties(c.WillProperties)
			if err != nil {
				return nil, err
			}
			buf.Write(wp)
		}
		buf.Write(WriteString(c.WillTopic))
		buf.Write(WriteBinary(c.WillPayload))
	}
	if c.HasUsername {
		buf.Write(WriteString(c.Username))
	}
	if c.HasPassword {
		buf.Write(WriteBinary(c.Password))
	}
	return buf.Bytes(), nil
}
