package protocol

// CurrentVersion is this build's protocol version. Bumped whenever a
// request variant gains fields a peer running the previous version
// wouldn't understand (spec §6: "version negotiation at session start
// gates newer request variants").
const CurrentVersion uint32 = 2

// SupportsV2DNS reports whether peerVersion understands
// GetAddrInfoRequestV2 (the variant carrying flags/protocol). Agents
// negotiated below version 2 only ever receive GetAddrInfoRequest.
func SupportsV2DNS(peerVersion uint32) bool {
	return peerVersion >= 2
}

// Negotiate picks the lower of the two versions, so both peers agree on
// which request variants are safe to send.
func Negotiate(local, remote uint32) uint32 {
	if remote < local {
		return remote
	}
	return local
}
