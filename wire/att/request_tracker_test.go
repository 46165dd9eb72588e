package att

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRequestTracker_SingleRequest(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	responseC, err := tracker.StartRequest(OpReadRequest, 0x0010, 0)
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}

	opcode, handle, _, hasPending := tracker.GetPendingInfo()
	if !hasPending {
		t.Fatal("Expected hasPending=true")
	}
	if opcode != OpReadRequest || handle != 0x0010 {
		t.Errorf("Pending = (0x%02X, 0x%04X), want (0x%02X, 0x0010)", opcode, handle, OpReadRequest)
	}

	if err := tracker.CompleteRequest(&ReadResponse{Value: []byte{0x01}}); err != nil {
		t.Fatalf("CompleteRequest failed: %v", err)
	}

	select {
	case resp := <-responseC:
		if resp.Error != nil {
			t.Fatalf("Expected no error, got: %v", resp.Error)
		}
		if _, ok := resp.Packet.(*ReadResponse); !ok {
			t.Fatalf("Expected *ReadResponse, got %T", resp.Packet)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Timeout waiting for response")
	}

	if tracker.HasPending() {
		t.Fatal("Expected no pending request after completion")
	}
}

func TestRequestTracker_OnlyOneRequestAtTime(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	if _, err := tracker.StartRequest(OpReadRequest, 0x0010, 0); err != nil {
		t.Fatalf("First StartRequest failed: %v", err)
	}

	_, err := tracker.StartRequest(OpWriteRequest, 0x0020, 0)
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("Expected ErrRequestPending, got %v", err)
	}

	if err := tracker.CompleteRequest(&ReadResponse{}); err != nil {
		t.Fatalf("CompleteRequest failed: %v", err)
	}

	if _, err := tracker.StartRequest(OpWriteRequest, 0x0020, 0); err != nil {
		t.Fatalf("Second StartRequest failed after first completed: %v", err)
	}
}

func TestRequestTracker_Timeout(t *testing.T) {
	tracker := NewRequestTracker(20 * time.Millisecond)

	timedOut := make(chan uint16, 1)
	tracker.SetTimeoutCallback(func(opcode uint8, handle uint16) {
		timedOut <- handle
	})

	responseC, err := tracker.StartRequest(OpReadRequest, 0x0010, 0)
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}

	select {
	case resp := <-responseC:
		if !errors.Is(resp.Error, ErrTimeout) {
			t.Fatalf("Expected ErrTimeout, got %v", resp.Error)
		}
		if resp.Packet != nil {
			t.Fatalf("Expected nil packet on timeout, got %T", resp.Packet)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Timeout waiting for timeout error")
	}

	select {
	case handle := <-timedOut:
		if handle != 0x0010 {
			t.Errorf("Expected callback handle 0x0010, got 0x%04X", handle)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Expected timeout callback to be called")
	}

	if tracker.HasPending() {
		t.Fatal("Expected no pending request after timeout")
	}
}

func TestRequestTracker_LateResponseAfterTimeout(t *testing.T) {
	tracker := NewRequestTracker(10 * time.Millisecond)

	responseC, err := tracker.StartRequest(OpWriteRequest, 0x0016, 0)
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}
	<-responseC

	if err := tracker.CompleteRequest(&WriteResponse{}); err == nil {
		t.Fatal("Expected error completing a request that already timed out")
	}
}

func TestRequestTracker_ErrorResponse(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	responseC, err := tracker.StartRequest(OpReadRequest, 0x0010, 0)
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}

	errorResp := &ErrorResponse{RequestOpcode: OpReadRequest, Handle: 0x0010, ErrorCode: ErrInvalidHandle}
	if err := tracker.CompleteRequest(errorResp); err != nil {
		t.Fatalf("CompleteRequest with error failed: %v", err)
	}

	resp := <-responseC
	if resp.Error != nil {
		t.Fatalf("Expected no bearer error, got: %v", resp.Error)
	}
	got, ok := resp.Packet.(*ErrorResponse)
	if !ok {
		t.Fatalf("Expected *ErrorResponse, got %T", resp.Packet)
	}
	if got.ErrorCode != ErrInvalidHandle {
		t.Errorf("Expected error code 0x%02X, got 0x%02X", ErrInvalidHandle, got.ErrorCode)
	}
}

func TestRequestTracker_FailAndCancel(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	responseC, _ := tracker.StartRequest(OpReadRequest, 0x0010, 0)
	if err := tracker.FailRequest(fmt.Errorf("connection closed")); err != nil {
		t.Fatalf("FailRequest failed: %v", err)
	}
	if resp := <-responseC; resp.Error == nil {
		t.Fatal("Expected error from FailRequest")
	}

	responseC, _ = tracker.StartRequest(OpReadRequest, 0x0010, 0)
	tracker.CancelPending()
	if resp := <-responseC; !errors.Is(resp.Error, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", resp.Error)
	}

	if tracker.HasPending() {
		t.Fatal("Expected no pending request after cancellation")
	}
	if err := tracker.FailRequest(errors.New("nothing pending")); err == nil {
		t.Fatal("Expected error failing with nothing pending")
	}
}

func TestRequestTracker_WrongResponseOpcode(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	if _, err := tracker.StartRequest(OpReadRequest, 0x0010, 0); err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}

	if err := tracker.CompleteRequest(&WriteResponse{}); err == nil {
		t.Fatal("Expected error for wrong response opcode, got nil")
	}

	if !tracker.HasPending() {
		t.Fatal("Expected request to still be pending after wrong response")
	}
}

func TestGetResponseOpcode(t *testing.T) {
	tests := []struct {
		request  uint8
		response uint8
	}{
		{OpExchangeMTURequest, OpExchangeMTUResponse},
		{OpReadRequest, OpReadResponse},
		{OpWriteRequest, OpWriteResponse},
		{OpReadByTypeRequest, OpReadByTypeResponse},
		{OpReadByGroupTypeRequest, OpReadByGroupTypeResponse},
		{OpFindInformationRequest, OpFindInformationResponse},
		{OpWriteCommand, 0},
		{OpHandleValueNotification, 0},
	}

	for _, tt := range tests {
		if got := GetResponseOpcode(tt.request); got != tt.response {
			t.Errorf("GetResponseOpcode(0x%02X) = 0x%02X, want 0x%02X", tt.request, got, tt.response)
		}
	}
}
