package mqttproto

// Version identifies which MQTT protocol revision governs encoding rules.
type Version byte

const (
	VersionUnknown Version = 0
	V311           Version = 4
	V5             Version = 5
)

// ProtocolNameFor returns the protocol-name string a CONNECT packet must
// carry for this version ("MQTT" for both 3.1.1 and 5.0; "MQIsdp" is the
// legacy v3 name, accepted on decode but never produced on encode).
func ProtocolNameFor(v Version) string {
	return "MQTT"
}
