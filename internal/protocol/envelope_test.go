package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Inbound
	}{
		{"host_ok", `{"t":"host_ok"}`, HostOK{}},
		{"pong", `{"t":"pong"}`, Pong{}},
		{"error", `{"t":"error","error":"unknown host"}`, ServerError{Message: "unknown host"}},
		{
			"frame",
			`{"t":"frame","device_id":"dev1","nonce":"bm9uY2U=","box":"Ym94"}`,
			Frame{DeviceID: "dev1", Nonce: "bm9uY2U=", Box: "Ym94"},
		},
		{
			"pairing request",
			`{"t":"pairing_request","device_id":"dev1","code":"AB23XZ","device_name":"Laptop","browser":"Firefox"}`,
			PairingRequest{DeviceID: "dev1", Code: "AB23XZ", DeviceName: "Laptop", Browser: "Firefox"},
		},
		{
			"pairing request defaults",
			`{"t":"pairing_request","device_id":"dev1","code":"AB23XZ"}`,
			PairingRequest{DeviceID: "dev1", Code: "AB23XZ", DeviceName: DefaultDeviceName, Browser: DefaultBrowser},
		},
		{"extra fields ignored", `{"t":"host_ok","host_id":"abc","junk":1}`, HostOK{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeInbound() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeInbound() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeInbound_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"unknown tag", `{"t":"host_hello","host_id":"x"}`, ErrUnknownType},
		{"empty tag", `{}`, ErrUnknownType},
		{"frame without device", `{"t":"frame","nonce":"a","box":"b"}`, ErrMissingField},
		{"pairing without device", `{"t":"pairing_request","code":"AB23XZ"}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeInbound() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := DecodeInbound([]byte("not json")); err == nil {
		t.Error("DecodeInbound() should fail on invalid JSON")
	}
}

func TestEncodeOutbound(t *testing.T) {
	tests := []struct {
		name string
		msg  Outbound
		want map[string]string
	}{
		{
			"host_hello",
			HostHello{HostID: "00112233445566778899aabbccddeeff"},
			map[string]string{"t": "host_hello", "host_id": "00112233445566778899aabbccddeeff"},
		},
		{
			"pairing_accept",
			PairingAccept{DeviceID: "dev1", EncryptedSecret: "c2VjcmV0"},
			map[string]string{"t": "pairing_accept", "device_id": "dev1", "encrypted_secret": "c2VjcmV0"},
		},
		{
			"pairing_reject",
			PairingReject{DeviceID: "dev1"},
			map[string]string{"t": "pairing_reject", "device_id": "dev1"},
		},
		{
			"frame",
			Frame{DeviceID: "dev1", Nonce: "n", Box: "b"},
			map[string]string{"t": "frame", "device_id": "dev1", "nonce": "n", "box": "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeOutbound(tt.msg)
			if err != nil {
				t.Fatalf("EncodeOutbound() error = %v", err)
			}

			var got map[string]string
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("output is not a flat string object: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("fields = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestOutboundDecode(t *testing.T) {
	msg := PairingAccept{DeviceID: "dev1", EncryptedSecret: "c2VjcmV0"}
	data, err := EncodeOutbound(msg)
	if err != nil {
		t.Fatalf("EncodeOutbound() error = %v", err)
	}
	got, err := DecodeOutbound(data)
	if err != nil {
		t.Fatalf("DecodeOutbound() error = %v", err)
	}
	if got != msg {
		t.Errorf("DecodeOutbound() = %#v, want %#v", got, msg)
	}

	if _, err := DecodeOutbound([]byte(`{"t":"host_ok"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeOutbound(host_ok) error = %v, want ErrUnknownType", err)
	}
}

func TestEncodeInbound(t *testing.T) {
	data, err := EncodeInbound(PairingRequest{DeviceID: "dev1", Code: "AB23XZ", DeviceName: "Laptop", Browser: "Chrome"})
	if err != nil {
		t.Fatalf("EncodeInbound() error = %v", err)
	}
	got, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	req, ok := got.(PairingRequest)
	if !ok {
		t.Fatalf("DecodeInbound() = %T, want PairingRequest", got)
	}
	if req.Code != "AB23XZ" || req.DeviceName != "Laptop" {
		t.Errorf("unexpected request %#v", req)
	}
}

func TestFrameIsBothDirections(t *testing.T) {
	var in Inbound = Frame{}
	var out Outbound = Frame{}
	if in.Type() != TypeFrame || out.Type() != TypeFrame {
		t.Error("Frame should report the frame tag in both directions")
	}
}
