package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()
	raw, err := NewHelloFrame(41250)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal hello frame: %v", err)
	}
	if f.Op != OpcodeHello {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHello)
	}
	if f.Seq != nil || f.Type != nil {
		t.Error("hello frame must not carry s or t")
	}

	var hello HelloData
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		t.Fatalf("unmarshal hello data: %v", err)
	}
	if hello.HeartbeatInterval != 41250 {
		t.Errorf("HeartbeatInterval = %d, want 41250", hello.HeartbeatInterval)
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()
	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal ack frame: %v", err)
	}
	if f.Op != OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHeartbeatACK)
	}
}

func TestNewDispatchFrame(t *testing.T) {
	t.Parallel()
	raw, err := NewDispatchFrame(7, EventMessageCreate, json.RawMessage(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("NewDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal dispatch frame: %v", err)
	}
	if f.Op != OpcodeDispatch {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeDispatch)
	}
	if f.Seq == nil || *f.Seq != 7 {
		t.Errorf("Seq = %v, want 7", f.Seq)
	}
	if f.Type == nil || *f.Type != EventMessageCreate {
		t.Errorf("Type = %v, want %q", f.Type, EventMessageCreate)
	}
}

func TestNewInvalidSessionFrame(t *testing.T) {
	t.Parallel()
	for _, resumable := range []bool{true, false} {
		raw, err := NewInvalidSessionFrame(resumable)
		if err != nil {
			t.Fatalf("NewInvalidSessionFrame(%v) error = %v", resumable, err)
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal invalid session frame: %v", err)
		}
		if f.Op != OpcodeInvalidSession {
			t.Errorf("Op = %d, want %d", f.Op, OpcodeInvalidSession)
		}

		var d bool
		if err := json.Unmarshal(f.Data, &d); err != nil {
			t.Fatalf("unmarshal resumable flag: %v", err)
		}
		if d != resumable {
			t.Errorf("d = %v, want %v", d, resumable)
		}
	}
}

func TestNewReconnectFrame(t *testing.T) {
	t.Parallel()
	raw, err := NewReconnectFrame()
	if err != nil {
		t.Fatalf("NewReconnectFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal reconnect frame: %v", err)
	}
	if f.Op != OpcodeReconnect {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeReconnect)
	}
}

func TestFrameDecodeClientHeartbeat(t *testing.T) {
	t.Parallel()
	var f Frame
	if err := json.Unmarshal([]byte(`{"op":1,"d":41}`), &f); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if f.Op != OpcodeHeartbeat {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHeartbeat)
	}

	var echoed int64
	if err := json.Unmarshal(f.Data, &echoed); err != nil {
		t.Fatalf("unmarshal heartbeat echo: %v", err)
	}
	if echoed != 41 {
		t.Errorf("echoed seq = %d, want 41", echoed)
	}
}
