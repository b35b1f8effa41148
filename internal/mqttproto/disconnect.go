package mqttproto

import "bytes"

// DisconnectPacket signals a clean or abnormal end of session. In v3.1.1 it
// carries no payload at all; in v5 it optionally carries a reason code and
// properties such as SessionExpiryInterval, ReasonString and
// ServerReference.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Properties *Properties
}

func (d *DisconnectPacket) Type() PacketType { return DISCONNECT }

func decodeDisconnect(r *bytes.Reader, remainingLen int, ver Version) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{ReasonCode: NormalDisconnection}
	if ver != V5 || remainingLen == 0 {
		return pkt, nil
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)
	if remainingLen > 1 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}
	return pkt, nil
}

func (d *DisconnectPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	if ver != V5 {
		return buf.Bytes(), nil
	}
	if d.ReasonCode == NormalDisconnection && d.Properties == nil {
		return buf.Bytes(), nil
	}
	buf.WriteByte(byte(d.ReasonCode))
	props, err := encodeProperties(d.Properties)
	if err != nil {
		return nil, err
	}
	buf.Write(props)
	return buf.Bytes(), nil
}

// AuthPacket carries an enhanced-authentication exchange step (v5 only).
type AuthPacket struct {
	ReasonCode ReasonCode
	Properties *Properties
}

func (a *AuthPacket) Type() PacketType { return AUTH }

func decodeAuth(r *bytes.Reader, remainingLen int, ver Version) (*AuthPacket, error) {
	pkt := &AuthPacket{ReasonCode: Success}
	if remainingLen == 0 {
		return pkt, nil
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)
	if remainingLen > 1 {
		props, err := decodeProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = props
	}
	return pkt, nil
}

func (a *AuthPacket) encode(ver Version) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(a.ReasonCode))
	props, err := encodeProperties(a.Properties)
	if err != nil {
		return nil, err
	}
	buf.Write(props)
	return buf.Bytes(), nil
}
