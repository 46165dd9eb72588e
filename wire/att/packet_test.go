package att

import (
	"bytes"
	"testing"
)

func TestEncodeWireFormat(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
		want []byte
	}{
		{
			name: "read request",
			pkt:  &ReadRequest{Handle: 0x0012},
			want: []byte{OpReadRequest, 0x12, 0x00},
		},
		{
			name: "lock write request",
			pkt:  &WriteRequest{Handle: 0x0016, Value: []byte{0x02}},
			want: []byte{OpWriteRequest, 0x16, 0x00, 0x02},
		},
		{
			name: "primary service discovery",
			pkt:  &ReadByGroupTypeRequest{StartHandle: 0x0001, EndHandle: 0xFFFF, Type: []byte{0x00, 0x28}},
			want: []byte{OpReadByGroupTypeRequest, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x28},
		},
		{
			name: "error response",
			pkt:  &ErrorResponse{RequestOpcode: OpWriteRequest, Handle: 0x0016, ErrorCode: 0x80},
			want: []byte{OpErrorResponse, OpWriteRequest, 0x16, 0x00, 0x80},
		},
		{
			name: "notification",
			pkt:  &HandleValueNotification{Handle: 0x0016, Value: []byte{0x01}},
			want: []byte{OpHandleValueNotification, 0x16, 0x00, 0x01},
		},
		{
			name: "write response",
			pkt:  &WriteResponse{},
			want: []byte{OpWriteResponse},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodePacket(tt.pkt)
			if err != nil {
				t.Fatalf("EncodePacket failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encoded = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestDecodeReadByTypeResponse(t *testing.T) {
	data := []byte{OpReadByTypeResponse, 0x07, 0x02, 0x00, 0x12, 0x03, 0x00, 0x84, 0x2B}

	decoded, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}

	resp, ok := decoded.(*ReadByTypeResponse)
	if !ok {
		t.Fatalf("Decoded type = %T, want *ReadByTypeResponse", decoded)
	}
	if resp.Length != 7 {
		t.Errorf("Length = %d, want 7", resp.Length)
	}
	if !bytes.Equal(resp.AttributeData, data[2:]) {
		t.Errorf("AttributeData = % X, want % X", resp.AttributeData, data[2:])
	}
}

func TestDecodeCopiesValue(t *testing.T) {
	data := []byte{OpReadResponse, 0x01, 0x02}

	decoded, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	data[1] = 0xFF

	resp := decoded.(*ReadResponse)
	if resp.Value[0] != 0x01 {
		t.Errorf("decoded value aliases the input buffer")
	}
}

func TestDecodeShortPackets(t *testing.T) {
	short := [][]byte{
		{},
		{OpErrorResponse, 0x0A, 0x01},
		{OpReadRequest, 0x01},
		{OpWriteRequest},
		{OpReadByGroupTypeRequest, 0x01, 0x00, 0xFF, 0xFF},
		{OpHandleValueNotification, 0x16},
	}

	for _, data := range short {
		if _, err := DecodePacket(data); err == nil {
			t.Errorf("DecodePacket(% X) succeeded, want error", data)
		}
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	if _, err := DecodePacket([]byte{0x7F}); err == nil {
		t.Fatal("Expected error for unknown opcode")
	}
}

func TestErrorResponseErr(t *testing.T) {
	resp := &ErrorResponse{RequestOpcode: OpReadRequest, Handle: 0x0003, ErrorCode: ErrInsufficientEncryption}

	err := resp.Err()
	if !IsATTError(err, ErrInsufficientEncryption) {
		t.Fatalf("IsATTError(%v) = false", err)
	}
	if GetErrorCode(err) != ErrInsufficientEncryption {
		t.Errorf("GetErrorCode = 0x%02X", GetErrorCode(err))
	}
}

func TestCodeNameApplicationErrors(t *testing.T) {
	RegisterApplicationError(0x9E, "Test Application Error")

	if got := CodeName(0x9E); got != "Test Application Error" {
		t.Errorf("CodeName(0x9E) = %q", got)
	}
	if got := CodeName(0x9D); got != "Application Error (0x9D)" {
		t.Errorf("CodeName(0x9D) = %q", got)
	}
	if got := CodeName(ErrAttributeNotFound); got != "Attribute Not Found" {
		t.Errorf("CodeName(0x0A) = %q", got)
	}
}
