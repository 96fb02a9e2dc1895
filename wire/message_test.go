package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func Test_Message_roundtrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"keepalive", Message{Keepalive: true}},
		{"choke", Message{ID: MsgChoke}},
		{"unchoke", Message{ID: MsgUnchoke}},
		{"interested", Message{ID: MsgInterested}},
		{"notinterested", Message{ID: MsgNotInterested}},
		{"have", Message{ID: MsgHave, Index: 42}},
		{"bitfield", Message{ID: MsgBitfield, Bitfield: []byte{0xa0, 0x01}}},
		{"request", Message{ID: MsgRequest, Index: 1, Begin: 16384, Length: 16384}},
		{"piece", Message{ID: MsgPiece, Index: 1, Begin: 16384, Piece: []byte("block bytes")}},
		{"piece-empty", Message{ID: MsgPiece, Index: 0, Begin: 0, Piece: []byte{}}},
		{"cancel", Message{ID: MsgCancel, Index: 9, Begin: 0, Length: 100}},
		{"port", Message{ID: MsgPort, Port: 6881}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadMessage(bytes.NewReader(tt.msg.Marshal()))
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			// empty and nil payload slices compare equal on the wire
			if got.Piece == nil && tt.msg.Piece != nil && len(tt.msg.Piece) == 0 {
				got.Piece = []byte{}
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("ReadMessage() = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func Test_Message_wireBytes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{"keepalive", Message{Keepalive: true}, []byte{0, 0, 0, 0}},
		{"choke", Message{ID: MsgChoke}, []byte{0, 0, 0, 1, 0}},
		{"have", Message{ID: MsgHave, Index: 2}, []byte{0, 0, 0, 5, 4, 0, 0, 0, 2}},
		{"request", Message{ID: MsgRequest, Index: 1, Begin: 2, Length: 3},
			[]byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}},
		{"port", Message{ID: MsgPort, Port: 0x1ae1}, []byte{0, 0, 0, 3, 9, 0x1a, 0xe1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Marshal(); !bytes.Equal(got, tt.want) {
				t.Errorf("Marshal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_Unmarshal_malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"choke-payload", []byte{0, 1}},
		{"have-short", []byte{4, 0, 0, 1}},
		{"request-short", []byte{6, 0, 0, 0, 1, 0, 0}},
		{"piece-short", []byte{7, 0, 0, 0, 1}},
		{"port-long", []byte{9, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal(tt.frame); err == nil {
				t.Errorf("Unmarshal() expected error for %v", tt.frame)
			}
		})
	}
}

func Test_Unmarshal_unknownID(t *testing.T) {
	m, err := Unmarshal([]byte{20, 0, 1, 2})
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m.ID != 20 || !bytes.Equal(m.Unknown, []byte{0, 1, 2}) {
		t.Errorf("Unmarshal() = %+v", m)
	}
}
