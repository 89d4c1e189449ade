package core

import (
	"encoding/binary"
)

// sendCmpctCode is the single-byte message code SENDCMPCT control payloads
// carry on a typed stream.
const sendCmpctCode byte = 0x01

// CmpctAnnouncer adapts PeerManagement's async send surface into the
// CompactBlockAnnouncer the BlockDownloadTracker elects peers through. The
// payload is the wire shape of SENDCMPCT: a one-byte announce flag followed
// by a little-endian uint64 version.
type CmpctAnnouncer struct {
	pm *PeerManagement
}

// NewCmpctAnnouncer wraps pm as a CompactBlockAnnouncer.
func NewCmpctAnnouncer(pm *PeerManagement) *CmpctAnnouncer {
	return &CmpctAnnouncer{pm: pm}
}

func (c *CmpctAnnouncer) SendCmpct(peerID NodeID, announce bool, version uint64) error {
	payload := make([]byte, 9)
	if announce {
		payload[0] = 1
	}
	binary.LittleEndian.PutUint64(payload[1:], version)
	return c.pm.SendAsync(string(peerID), string(StreamProtocolID(StreamData1)), sendCmpctCode, payload)
}

var _ CompactBlockAnnouncer = (*CmpctAnnouncer)(nil)
