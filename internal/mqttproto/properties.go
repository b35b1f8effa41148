package mqttproto

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Property identifiers from MQTT v5.0 section 2.2.2.2.
const (
	propPayloadFormatIndicator          = 0x01
	propMessageExpiryInterval           = 0x02
	propContentType                     = 0x03
	propResponseTopic                   = 0x08
	propCorrelationData                 = 0x09
	propSubscriptionIdentifier          = 0x0B
	propSessionExpiryInterval           = 0x11
	propAssignedClientIdentifier        = 0x12
	propServerKeepAlive                 = 0x13
	propAuthenticationMethod            = 0x15
	propAuthenticationData              = 0x16
	propRequestProblemInformation       = 0x17
	propWillDelayInterval                = 0x18
	propRequestResponseInformation      = 0x19
	propResponseInformation             = 0x1A
	propServerReference                 = 0x1C
	propReasonString                    = 0x1F
	propReceiveMaximum                  = 0x21
	propTopicAliasMaximum               = 0x22
	propTopicAlias                      = 0x23
	propMaximumQoS                      = 0x24
	propRetainAvailable                 = 0x25
	propUserProperty                    = 0x26
	propMaximumPacketSize                = 0x27
	propWildcardSubscriptionAvailable   = 0x28
	propSubscriptionIdentifierAvailable = 0x29
	propSharedSubscriptionAvailable     = 0x2A
)

// UserProperty is a repeatable key-value pair (MQTT v5 User Property).
type UserProperty struct {
	Key   string
	Value string
}

// Properties holds every MQTT v5 property a packet may carry. All fields
// are optional; pointers (and nil slices) distinguish "absent" from a
// present zero value, since the wire format itself treats absence and
// value-zero differently (e.g. PayloadFormatIndicator omitted vs. set to 0
// are both legal and distinct events worth preserving through decode).
type Properties struct {
	PayloadFormatIndicator    *byte
	MessageExpiryInterval     *uint32
	ContentType               *string
	ResponseTopic             *string
	CorrelationData           []byte
	SubscriptionIdentifier    []int
	SessionExpiryInterval     *uint32
	AssignedClientIdentifier  *string
	ServerKeepAlive           *uint16
	AuthenticationMethod      *string
	AuthenticationData        []byte
	RequestProblemInformation *byte
	WillDelayInterval         *uint32
	RequestResponseInformation *byte
	ResponseInformation       *string
	ServerReference           *string
	ReasonString              *string
	ReceiveMaximum            *uint16
	TopicAliasMaximum         *uint16
	TopicAlias                *uint16
	MaximumQoS                *byte
	RetainAvailable           *bool
	UserProperties            []UserProperty
	MaximumPacketSize         *uint32
	WildcardSubscriptionAvailable   *bool
	SubscriptionIdentifierAvailable *bool
	SharedSubscriptionAvailable     *bool
}

func u32p(v uint32) *uint32 { return &v }
func u16p(v uint16) *uint16 { return &v }
func bytep(v byte) *byte    { return &v }
func boolp(v bool) *bool    { return &v }
func strp(v string) *string { return &v }

// encodeProperties serializes p (which may be nil, meaning "no properties")
// into the length-prefixed Properties section used by every v5 packet.
func encodeProperties(p *Properties) ([]byte, error) {
	var body bytes.Buffer
	if p != nil {
		if err := p.appendTo(&body); err != nil {
			return nil, err
		}
	}
	var out bytes.Buffer
	out.Write(encodeVarInt(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (p *Properties) appendTo(buf *bytes.Buffer) error {
	writeU32 := func(id byte, v *uint32) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], *v)
		buf.Write(b[:])
	}
	writeU16 := func(id byte, v *uint16) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *v)
		buf.Write(b[:])
	}
	writeByte := func(id byte, v *byte) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		buf.WriteByte(*v)
	}
	writeBool := func(id byte, v *bool) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		if *v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	writeStr := func(id byte, v *string) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		buf.Write(WriteString(*v))
	}
	writeBin := func(id byte, v []byte) {
		if v == nil {
			return
		}
		buf.WriteByte(id)
		buf.Write(WriteBinary(v))
	}

	writeByte(propPayloadFormatIndicator, p.PayloadFormatIndicator)
	writeU32(propMessageExpiryInterval, p.MessageExpiryInterval)
	writeStr(propContentType, p.ContentType)
	writeStr(propResponseTopic, p.ResponseTopic)
	writeBin(propCorrelationData, p.CorrelationData)
	for _, sid := range p.SubscriptionIdentifier {
		buf.WriteByte(propSubscriptionIdentifier)
		buf.Write(encodeVarInt(sid))
	}
	writeU32(propSessionExpiryInterval, p.SessionExpiryInterval)
	writeStr(propAssignedClientIdentifier, p.AssignedClientIdentifier)
	writeU16(propServerKeepAlive, p.ServerKeepAlive)
	writeStr(propAuthenticationMethod, p.AuthenticationMethod)
	writeBin(propAuthenticationData, p.AuthenticationData)
	writeByte(propRequestProblemInformation, p.RequestProblemInformation)
	writeU32(propWillDelayInterval, p.WillDelayInterval)
	writeByte(propRequestResponseInformation, p.RequestResponseInformation)
	writeStr(propResponseInformation, p.ResponseInformation)
	writeStr(propServerReference, p.ServerReference)
	writeStr(propReasonString, p.ReasonString)
	writeU16(propReceiveMaximum, p.ReceiveMaximum)
	writeU16(propTopicAliasMaximum, p.TopicAliasMaximum)
	writeU16(propTopicAlias, p.TopicAlias)
	writeByte(propMaximumQoS, p.MaximumQoS)
	writeBool(propRetainAvailable, p.RetainAvailable)
	for _, up := range p.UserProperties {
		buf.WriteByte(propUserProperty)
		buf.Write(WriteString(up.Key))
		buf.Write(WriteString(up.Value))
	}
	writeU32(propMaximumPacketSize, p.MaximumPacketSize)
	writeBool(propWildcardSubscriptionAvailable, p.WildcardSubscriptionAvailable)
	writeBool(propSubscriptionIdentifierAvailable, p.SubscriptionIdentifierAvailable)
	writeBool(propSharedSubscriptionAvailable, p.SharedSubscriptionAvailable)
	return nil
}

// decodeProperties reads a Properties section from r, returning nil if the
// length prefix is zero (no properties present).
func decodeProperties(r io.Reader) (*Properties, error) {
	length, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	p := &Properties{}
	br := bytes.NewReader(buf)
	seen := map[byte]bool{}
	for br.Len() > 0 {
		idByte, err := br.ReadByte()
		if err != nil {
			return nil, err
		}

		singleValued := idByte != propUserProperty && idByte != propSubscriptionIdentifier
		if singleValued && seen[idByte] {
			return nil, newCodecErr(MalformedPacket, "duplicate property")
		}
		seen[idByte] = true

		switch idByte {
		case propPayloadFormatIndicator:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.PayloadFormatIndicator = bytep(b)
		case propMessageExpiryInterval:
			v, err := readU32(br)
			if err != nil {
				return nil, err
			}
			p.MessageExpiryInterval = u32p(v)
		case propContentType:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.ContentType = strp(s)
		case propResponseTopic:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.ResponseTopic = strp(s)
		case propCorrelationData:
			b, err := ReadBinary(br)
			if err != nil {
				return nil, err
			}
			p.CorrelationData = b
		case propSubscriptionIdentifier:
			v, err := readVarInt(br)
			if err != nil {
				return nil, err
			}
			if v == 0 {
				return nil, newCodecErr(MalformedPacket, "subscription identifier must not be 0")
			}
			p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, v)
		case propSessionExpiryInterval:
			v, err := readU32(br)
			if err != nil {
				return nil, err
			}
			p.SessionExpiryInterval = u32p(v)
		case propAssignedClientIdentifier:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.AssignedClientIdentifier = strp(s)
		case propServerKeepAlive:
			v, err := readU16(br)
			if err != nil {
				return nil, err
			}
			p.ServerKeepAlive = u16p(v)
		case propAuthenticationMethod:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.AuthenticationMethod = strp(s)
		case propAuthenticationData:
			b, err := ReadBinary(br)
			if err != nil {
				return nil, err
			}
			p.AuthenticationData = b
		case propRequestProblemInformation:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.RequestProblemInformation = bytep(b)
		case propWillDelayInterval:
			v, err := readU32(br)
			if err != nil {
				return nil, err
			}
			p.WillDelayInterval = u32p(v)
		case propRequestResponseInformation:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.RequestResponseInformation = bytep(b)
		case propResponseInformation:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.ResponseInformation = strp(s)
		case propServerReference:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.ServerReference = strp(s)
		case propReasonString:
			s, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.ReasonString = strp(s)
		case propReceiveMaximum:
			v, err := readU16(br)
			if err != nil {
				return nil, err
			}
			p.ReceiveMaximum = u16p(v)
		case propTopicAliasMaximum:
			v, err := readU16(br)
			if err != nil {
				return nil, err
			}
			p.TopicAliasMaximum = u16p(v)
		case propTopicAlias:
			v, err := readU16(br)
			if err != nil {
				return nil, err
			}
			p.TopicAlias = u16p(v)
		case propMaximumQoS:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.MaximumQoS = bytep(b)
		case propRetainAvailable:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.RetainAvailable = boolp(b != 0)
		case propUserProperty:
			k, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			v, err := ReadString(br)
			if err != nil {
				return nil, err
			}
			p.UserProperties = append(p.UserProperties, UserProperty{Key: k, Value: v})
		case propMaximumPacketSize:
			v, err := readU32(br)
			if err != nil {
				return nil, err
			}
			p.MaximumPacketSize = u32p(v)
		case propWildcardSubscriptionAvailable:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.WildcardSubscriptionAvailable = boolp(b != 0)
		case propSubscriptionIdentifierAvailable:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.SubscriptionIdentifierAvailable = boolp(b != 0)
		case propSharedSubscriptionAvailable:
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}
			p.SharedSubscriptionAvailable = boolp(b != 0)
		default:
			return nil, newCodecErr(MalformedPacket, "unknown property id")
		}
	}
	return p, nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
