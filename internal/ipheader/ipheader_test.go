package ipheader

import "testing"

func ipv4Packet(src, dst [4]byte, payload []byte) []byte {
	buf := make([]byte, ipv4HeaderLen+len(payload))
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes)
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[ipv4HeaderLen:], payload)
	return buf
}

const ipv4HeaderLen = 20

func TestDestinationAddress(t *testing.T) {
	want := [4]byte{10, 8, 0, 7}
	pkt := ipv4Packet([4]byte{10, 8, 0, 1}, want, []byte("payload"))

	got, err := DestinationAddress(pkt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSourceAddress(t *testing.T) {
	want := [4]byte{10, 8, 0, 1}
	pkt := ipv4Packet(want, [4]byte{10, 8, 0, 7}, []byte("payload"))

	got, err := SourceAddress(pkt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRejectsNonIPv4Version(t *testing.T) {
	pkt := ipv4Packet([4]byte{}, [4]byte{}, nil)
	pkt[0] = 0x60 // version 6
	if _, err := DestinationAddress(pkt); err != ErrNotIPv4 {
		t.Fatalf("expected ErrNotIPv4, got %v", err)
	}
}

func TestRejectsTooShortBuffer(t *testing.T) {
	if _, err := DestinationAddress([]byte{0x45, 0, 0}); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestRejectsTruncatedIHL(t *testing.T) {
	pkt := ipv4Packet([4]byte{1, 2, 3, 4}, [4]byte{5, 6, 7, 8}, nil)
	pkt[0] = 0x46 // IHL = 6 words = 24 bytes, but buffer is only 20
	if _, err := DestinationAddress(pkt); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort for truncated IHL, got %v", err)
	}
}
