package socket

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestDecodeFrames_MultipleAndHeartbeats(t *testing.T) {
	a, _ := encodeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, "1"))
	b, _ := encodeFrame(frame.New(frame.MESSAGE, frame.Subscription, "s"))
	data := append(append(append([]byte("\n"), a...), '\n'), b...)

	frames, err := decodeFrames(data)
	if err != nil {
		t.Fatalf("decodeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Command != frame.RECEIPT || frames[1].Command != frame.MESSAGE {
		t.Errorf("commands = %s, %s", frames[0].Command, frames[1].Command)
	}
}

func TestDecodeFrames_HeartbeatOnly(t *testing.T) {
	frames, err := decodeFrames([]byte("\n"))
	if err != nil {
		t.Fatalf("decodeFrames: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("len(frames) = %d, want 0", len(frames))
	}
}

func TestJSONFrame_Headers(t *testing.T) {
	f := jsonFrame(frame.SEND, []byte(`{"a":1}`), frame.Destination, "/send/1")
	if f.Header.Get(frame.ContentLength) != "7" {
		t.Errorf("content-length = %q, want 7", f.Header.Get(frame.ContentLength))
	}
	if f.Header.Get(frame.Destination) != "/send/1" {
		t.Errorf("destination = %q", f.Header.Get(frame.Destination))
	}
}

func TestNegotiateHeartBeat(t *testing.T) {
	tests := []struct {
		name       string
		client     time.Duration
		server     string
		send, recv time.Duration
	}{
		{"both directions", 4 * time.Second, "10000,2000", 4 * time.Second, 10 * time.Second},
		{"server wants none", 4 * time.Second, "0,0", 0, 0},
		{"client disabled", 0, "1000,1000", 0, 0},
		{"server only sends", 4 * time.Second, "5000,0", 0, 5 * time.Second},
		{"missing header", 4 * time.Second, "", 0, 0},
		{"garbage header", 4 * time.Second, "fast", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send, recv := negotiateHeartBeat(tt.client, tt.server)
			if send != tt.send || recv != tt.recv {
				t.Errorf("negotiate = %v/%v, want %v/%v", send, recv, tt.send, tt.recv)
			}
		})
	}
}

func TestFormatHeartBeat(t *testing.T) {
	if got := formatHeartBeat(4 * time.Second); got != "4000,4000" {
		t.Errorf("formatHeartBeat = %q, want 4000,4000", got)
	}
}

func TestAuthRelated(t *testing.T) {
	for _, msg := range []string{"Unauthorized", "JWT expired", "Access forbidden", "invalid token", "status 401"} {
		if !authRelated(msg) {
			t.Errorf("authRelated(%q) = false", msg)
		}
	}
	for _, msg := range []string{"broker overloaded", "destination not found", ""} {
		if authRelated(msg) {
			t.Errorf("authRelated(%q) = true", msg)
		}
	}
}

func TestErrorText(t *testing.T) {
	f := frame.New(frame.ERROR, frame.Message, "Unauthorized")
	f.Body = []byte(" token expired \n")
	if got := errorText(f); got != "Unauthorized: token expired" {
		t.Errorf("errorText = %q", got)
	}
}
