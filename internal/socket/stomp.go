package socket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// encodeFrame renders f as STOMP bytes. A nil frame is a heart-beat.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("socket: encode %s: %w", commandOf(f), err)
	}
	return buf.Bytes(), nil
}

// decodeFrames parses every STOMP frame in one transport message.
// Heart-beat EOLs are skipped.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("socket: decode frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func commandOf(f *frame.Frame) string {
	if f == nil {
		return "heart-beat"
	}
	return f.Command
}

// jsonFrame builds a frame carrying a JSON body.
func jsonFrame(command string, body []byte, headers ...string) *frame.Frame {
	headers = append(headers,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f := frame.New(command, headers...)
	f.Body = body
	return f
}

// formatHeartBeat renders the heart-beat header value for interval d in
// both directions.
func formatHeartBeat(d time.Duration) string {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	return ms + "," + ms
}

// negotiateHeartBeat combines the client's desired interval with the
// server's heart-beat header. It returns the interval at which the client
// must send and the interval at which it may expect to receive; zero
// disables a direction.
func negotiateHeartBeat(client time.Duration, server string) (send, recv time.Duration) {
	if client <= 0 || server == "" {
		return 0, 0
	}
	sx, sy, ok := parseHeartBeat(server)
	if !ok {
		return 0, 0
	}
	if sy > 0 {
		send = max(client, sy)
	}
	if sx > 0 {
		recv = max(client, sx)
	}
	return send, recv
}

func parseHeartBeat(v string) (time.Duration, time.Duration, bool) {
	a, b, ok := strings.Cut(strings.TrimSpace(v), ",")
	if !ok {
		return 0, 0, false
	}
	x, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, false
	}
	y, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, false
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, true
}

// authRelated reports whether a broker error message is about credentials.
func authRelated(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range []string{"unauthori", "forbidden", "token", "jwt", "expired", "auth", "401", "403"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// errorText joins the message header and body of an ERROR frame.
func errorText(f *frame.Frame) string {
	msg := f.Header.Get(frame.Message)
	if body := strings.TrimSpace(string(f.Body)); body != "" {
		if msg != "" {
			msg += ": "
		}
		msg += body
	}
	return msg
}
