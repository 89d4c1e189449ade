// Package dsnotify implements the double-spend notification callback
// message: a small self-describing payload embedded in an OP_RETURN script
// that tells relay nodes which IP endpoints to call back if they see a
// conflicting spend of the listed inputs.
package dsnotify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// dsntTag is the 4-byte ASCII marker this message is embedded behind in an
// OP_RETURN script.
const dsntTag = "dsnt"

// IPAddr is a raw IP address in network byte order: 4 bytes for IPv4, 16
// for IPv6.
type IPAddr []byte

// Input identifies one transaction input by its index within the
// transaction.
type Input = uint32

// DSCallbackMsg is the double-spend callback payload: a protocol version,
// the list of IP endpoints to notify, and the transaction input indices the
// notification applies to.
type DSCallbackMsg struct {
	Version uint8
	IPAddrs []IPAddr
	Inputs  []Input
}

// New builds a DSCallbackMsg from string addresses (dotted-quad or
// colon-hex), resolving each via net.ParseIP. Every address must share the
// same IP family (all IPv4 or all IPv6) -- mixed families, zero addresses,
// or an address resolved to neither IPv4 nor IPv6 are errors. Unresolvable
// hostnames are skipped with no error.
func New(version uint8, addrs []string, inputs []Input) (*DSCallbackMsg, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dsnotify: 0 IP addresses provided")
	}

	msg := &DSCallbackMsg{Version: version, Inputs: append([]Input(nil), inputs...)}
	wantV4 := false
	wantV6 := false
	sawAny := false

	for _, addrStr := range addrs {
		ip := net.ParseIP(addrStr)
		if ip == nil {
			continue // unresolvable; logged by the caller, not fatal here
		}
		if v4 := ip.To4(); v4 != nil {
			if sawAny && !wantV4 {
				return nil, fmt.Errorf("dsnotify: endpoint addresses must all be of the same type")
			}
			wantV4, sawAny = true, true
			msg.IPAddrs = append(msg.IPAddrs, append(IPAddr(nil), v4...))
			continue
		}
		if v6 := ip.To16(); v6 != nil {
			if sawAny && !wantV6 {
				return nil, fmt.Errorf("dsnotify: endpoint addresses must all be of the same type")
			}
			wantV6, sawAny = true, true
			msg.IPAddrs = append(msg.IPAddrs, append(IPAddr(nil), v6...))
			continue
		}
		return nil, fmt.Errorf("dsnotify: %s is neither IPv4 nor IPv6", addrStr)
	}

	return msg, nil
}

// Serialize encodes the message to its wire form: version byte, then
// count-prefixed IP addresses (1-byte length + bytes), then
// count-prefixed input indices (4 bytes each), all little-endian.
func (m *DSCallbackMsg) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.Version)

	buf.WriteByte(byte(len(m.IPAddrs)))
	for _, a := range m.IPAddrs {
		buf.WriteByte(byte(len(a)))
		buf.Write(a)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m.Inputs)))
	buf.Write(lenBuf[:])
	for _, in := range m.Inputs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], in)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// Deserialize decodes a message previously produced by Serialize. Trailing
// bytes after a fully-parsed message are an error, never silently ignored.
func Deserialize(b []byte) (*DSCallbackMsg, error) {
	r := bytes.NewReader(b)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("dsnotify: missing version byte: %w", err)
	}

	nAddrs, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("dsnotify: missing address count: %w", err)
	}
	msg := &DSCallbackMsg{Version: version}
	for i := 0; i < int(nAddrs); i++ {
		n, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("dsnotify: missing address length: %w", err)
		}
		if n != 4 && n != 16 {
			return nil, fmt.Errorf("dsnotify: bad address length %d", n)
		}
		addr := make([]byte, n)
		if _, err := io.ReadFull(r, addr); err != nil {
			return nil, fmt.Errorf("dsnotify: truncated address: %w", err)
		}
		msg.IPAddrs = append(msg.IPAddrs, addr)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("dsnotify: missing input count: %w", err)
	}
	nInputs := binary.LittleEndian.Uint32(lenBuf[:])
	for i := uint32(0); i < nInputs; i++ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("dsnotify: truncated input index: %w", err)
		}
		msg.Inputs = append(msg.Inputs, binary.LittleEndian.Uint32(b[:]))
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("dsnotify: %d trailing bytes after message", r.Len())
	}
	return msg, nil
}

// EmbedInScript wraps the serialised message behind an OP_FALSE OP_RETURN
// "dsnt" protocol tag.
func (m *DSCallbackMsg) EmbedInScript() []byte {
	var script bytes.Buffer
	script.WriteByte(0x00) // OP_FALSE
	script.WriteByte(0x6a) // OP_RETURN
	script.WriteByte(byte(len(dsntTag)))
	script.WriteString(dsntTag)
	payload := m.Serialize()
	script.WriteByte(byte(len(payload)))
	script.Write(payload)
	return script.Bytes()
}

// IPAddrToString renders a raw IPAddr back to dotted-quad or colon-hex
// form.
func IPAddrToString(addr IPAddr) (string, error) {
	switch len(addr) {
	case 4, 16:
		return net.IP(addr).String(), nil
	default:
		return "", fmt.Errorf("dsnotify: bad size %d for IPAddr", len(addr))
	}
}
