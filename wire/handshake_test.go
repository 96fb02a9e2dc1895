package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func Test_Handshake_roundtrip(t *testing.T) {
	h := Handshake{}
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xab}, 20))
	copy(h.PeerID[:], []byte("-TD0001-abcdefghijkl"))

	raw := h.Marshal()
	if len(raw) != HandshakeLen {
		t.Fatalf("Marshal() len = %d, want %d", len(raw), HandshakeLen)
	}
	if raw[0] != 19 || !bytes.Equal(raw[1:20], []byte("BitTorrent protocol")) {
		t.Fatalf("Marshal() bad header %v", raw[:20])
	}
	got, err := ReadHandshake(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHandshake() error = %v", err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Errorf("ReadHandshake() = %+v, want %+v", got, h)
	}
}

func Test_ReadHandshake_malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{19, 'B'}},
		{"badlen", append([]byte{18}, make([]byte, 67)...)},
		{"badproto", append([]byte{19}, make([]byte, 67)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadHandshake(bytes.NewReader(tt.raw)); err == nil {
				t.Errorf("ReadHandshake() expected error")
			}
		})
	}
}
