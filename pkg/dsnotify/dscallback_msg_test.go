package dsnotify

import (
	"bytes"
	"testing"
)

func TestNewAndSerializeRoundTrip(t *testing.T) {
	msg, err := New(1, []string{"192.168.0.1", "10.0.0.2"}, []Input{0, 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := msg.Serialize()
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Version != msg.Version {
		t.Fatalf("Version = %d, want %d", got.Version, msg.Version)
	}
	if len(got.IPAddrs) != len(msg.IPAddrs) {
		t.Fatalf("IPAddrs len = %d, want %d", len(got.IPAddrs), len(msg.IPAddrs))
	}
	for i := range msg.IPAddrs {
		if !bytes.Equal(got.IPAddrs[i], msg.IPAddrs[i]) {
			t.Fatalf("IPAddrs[%d] = %x, want %x", i, got.IPAddrs[i], msg.IPAddrs[i])
		}
	}
	if len(got.Inputs) != len(msg.Inputs) {
		t.Fatalf("Inputs len = %d, want %d", len(got.Inputs), len(msg.Inputs))
	}
	for i := range msg.Inputs {
		if got.Inputs[i] != msg.Inputs[i] {
			t.Fatalf("Inputs[%d] = %d, want %d", i, got.Inputs[i], msg.Inputs[i])
		}
	}
}

func TestNewRejectsZeroAddresses(t *testing.T) {
	if _, err := New(1, nil, nil); err == nil {
		t.Fatalf("expected error constructing a message with zero addresses")
	}
}

func TestNewRejectsMixedIPFamilies(t *testing.T) {
	if _, err := New(1, []string{"192.168.0.1", "::1"}, nil); err == nil {
		t.Fatalf("expected error mixing IPv4 and IPv6 endpoint addresses")
	}
}

func TestNewSkipsUnresolvableHostnamesWithoutError(t *testing.T) {
	msg, err := New(1, []string{"not-an-ip", "192.168.0.1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(msg.IPAddrs) != 1 {
		t.Fatalf("expected only the one resolvable address kept, got %d", len(msg.IPAddrs))
	}
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	msg, err := New(1, []string{"192.168.0.1"}, []Input{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := append(msg.Serialize(), 0xff)
	if _, err := Deserialize(data); err == nil {
		t.Fatalf("expected error decoding a message with trailing bytes")
	}
}

func TestIPAddrToString(t *testing.T) {
	msg, err := New(1, []string{"192.168.0.1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := IPAddrToString(msg.IPAddrs[0])
	if err != nil {
		t.Fatalf("IPAddrToString: %v", err)
	}
	if s != "192.168.0.1" {
		t.Fatalf("IPAddrToString = %q, want %q", s, "192.168.0.1")
	}
}

func TestEmbedInScriptContainsTag(t *testing.T) {
	msg, err := New(1, []string{"192.168.0.1"}, []Input{0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	script := msg.EmbedInScript()
	if !bytes.Contains(script, []byte(dsntTag)) {
		t.Fatalf("expected embedded script to contain the %q tag", dsntTag)
	}
	if script[0] != 0x00 || script[1] != 0x6a {
		t.Fatalf("expected OP_FALSE OP_RETURN prefix, got %x %x", script[0], script[1])
	}
}
