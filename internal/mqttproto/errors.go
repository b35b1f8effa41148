package mqttproto

import "errors"

// CodecErrorKind enumerates the ways a byte stream can fail to be a
// valid MQTT packet.
type CodecErrorKind int

const (
	MalformedPacket CodecErrorKind = iota
	PayloadTooLarge
	UnsupportedProtocol
	InvalidUtf8
	InvalidReservedBits
	InvalidVarInt
)

func (k CodecErrorKind) String() string {
	switch k {
	case MalformedPacket:
		return "malformed packet"
	case PayloadTooLarge:
		return "payload too large"
	case UnsupportedProtocol:
		return "unsupported protocol"
	case InvalidUtf8:
		return "invalid utf-8"
	case InvalidReservedBits:
		return "invalid reserved bits"
	case InvalidVarInt:
		return "invalid variable byte integer"
	default:
		return "codec error"
	}
}

// CodecError is returned whenever decoding or encoding violates the wire
// protocol. Every CodecError is fatal for the connection it occurred on.
type CodecError struct {
	Kind CodecErrorKind
	Msg  string
}

func (e *CodecError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func newCodecErr(kind CodecErrorKind, msg string) *CodecError {
	return &CodecError{Kind: kind, Msg: msg}
}

// ErrNeedMoreData names a short read on a partial packet. No decode path
// in this package returns it: ReadPacket reports a stream that ends
// mid-packet as io.EOF or io.ErrUnexpectedEOF.
var ErrNeedMoreData = errors.New("mqttproto: need more data")

// ReasonCode is a v5 reason code attached to CONNACK/PUBACK/.../DISCONNECT.
// v3.1.1 packets reuse a subset of these values as "return codes".
type ReasonCode byte

const (
	Success                     ReasonCode = 0x00
	NormalDisconnection         ReasonCode = 0x00
	GrantedQoS0                 ReasonCode = 0x00
	GrantedQoS1                 ReasonCode = 0x01
	GrantedQoS2                 ReasonCode = 0x02
	DisconnectWithWillMessage   ReasonCode = 0x04
	NoMatchingSubscribers       ReasonCode = 0x10
	NoSubscriptionExisted       ReasonCode = 0x11
	UnspecifiedError            ReasonCode = 0x80
	MalformedPacketReason       ReasonCode = 0x81
	ProtocolError               ReasonCode = 0x82
	ImplementationSpecificError ReasonCode = 0x83
	UnsupportedProtocolVersion  ReasonCode = 0x84
	ClientIdentifierNotValid    ReasonCode = 0x85
	BadUsernameOrPassword       ReasonCode = 0x86
	NotAuthorized               ReasonCode = 0x87
	ServerUnavailable           ReasonCode = 0x88
	ServerBusy                  ReasonCode = 0x89
	Banned                      ReasonCode = 0x8A
	SessionTakenOver            ReasonCode = 0x8E
	TopicFilterInvalid          ReasonCode = 0x8F
	TopicNameInvalid            ReasonCode = 0x90
	PacketIdentifierInUse       ReasonCode = 0x91
	PacketIdentifierNotFound    ReasonCode = 0x92
	ReceiveMaximumExceeded      ReasonCode = 0x93
	TopicAliasInvalid           ReasonCode = 0x94
	PacketTooLarge              ReasonCode = 0x95
	MessageRateTooHigh          ReasonCode = 0x96
	QuotaExceeded               ReasonCode = 0x97
	AdministrativeAction        ReasonCode = 0x98
	PayloadFormatInvalid        ReasonCode = 0x99
	RetainNotSupported          ReasonCode = 0x9A
	QoSNotSupported             ReasonCode = 0x9B
	UseAnotherServer            ReasonCode = 0x9C
	ServerMoved                 ReasonCode = 0x9D
	SharedSubscriptionsNotSupported ReasonCode = 0x9E
	ConnectionRateExceeded      ReasonCode = 0x9F
	MaximumConnectTime          ReasonCode = 0xA0
	SubscriptionIdsNotSupported ReasonCode = 0xA1
	WildcardSubscriptionsNotSupported ReasonCode = 0xA2
	KeepAliveTimeout            ReasonCode = 0x8D
)

// ReasonCode maps a CodecError returned by ReadPacket/ReadFixedHeader to
// the v5 DISCONNECT reason code a broker should send before closing the
// connection that produced it.
func (e *CodecError) ReasonCode() ReasonCode {
	switch e.Kind {
	case PayloadTooLarge:
		return PacketTooLarge
	case UnsupportedProtocol:
		return UnsupportedProtocolVersion
	case InvalidUtf8, InvalidReservedBits, InvalidVarInt, MalformedPacket:
		return MalformedPacketReason
	default:
		return MalformedPacketReason
	}
}
