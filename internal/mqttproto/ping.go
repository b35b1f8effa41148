package mqttproto

// PingReqPacket is sent by the client to keep the connection alive.
type PingReqPacket struct{}

func (p *PingReqPacket) Type() PacketType { return PINGREQ }

// PingRespPacket is the server's reply to PINGREQ.
type PingRespPacket struct{}

func (p *PingRespPacket) Type() PacketType { return PINGRESP }
