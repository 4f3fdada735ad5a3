package mqtt

import "github.com/nugget/deskd/internal/netmgr"

// connackCode maps an MQTT 5 CONNACK failure reason onto the shared
// error taxonomy. Codes below 0x80 are successes and never reach here.
func connackCode(reason byte) netmgr.ErrorCode {
	switch reason {
	case 0x84: // unsupported protocol version
		return netmgr.ErrorProtocolVersion
	case 0x85: // client identifier not valid
		return netmgr.ErrorClientIDRejected
	case 0x86: // bad user name or password
		return netmgr.ErrorBadCredentials
	case 0x87, 0x8a: // not authorized, banned
		return netmgr.ErrorNotAuthorized
	case 0x88, 0x89: // server unavailable, server busy
		return netmgr.ErrorServerUnavailable
	case 0x95, 0x97: // packet too large, quota exceeded
		return netmgr.ErrorResourceExhausted
	default:
		return netmgr.ErrorRefused
	}
}

// disconnectCode maps a server DISCONNECT reason onto the taxonomy.
// Most reasons collapse to a generic loss; the ones worth keeping
// distinct are the ones an operator can act on.
func disconnectCode(reason byte) netmgr.ErrorCode {
	switch reason {
	case 0x87: // not authorized
		return netmgr.ErrorNotAuthorized
	case 0x89, 0x8b: // server busy, server shutting down
		return netmgr.ErrorServerUnavailable
	case 0x97: // quota exceeded
		return netmgr.ErrorResourceExhausted
	default:
		return netmgr.ErrorConnectFailure
	}
}
