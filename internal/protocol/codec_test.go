package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &Request{
				Protocol:     1,
				SubmissionID: "sub-123",
				Worker:       "echo",
				Config:       map[string]any{"key": "value"},
				Input:        map[string]any{"n": 3},
				SpawnedAt:    time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"submission_id":"sub-123"`) {
					t.Error("missing submission_id field")
				}
				if !strings.Contains(output, `"worker":"echo"`) {
					t.Error("missing worker field")
				}
				if !strings.HasSuffix(output, "}\n") || strings.Count(output, "\n") != 1 {
					t.Errorf("request must be a single JSON line, got %q", output)
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, Worker: "echo"},
			wantErr: true,
		},
		{
			name:    "missing worker",
			req:     &Request{Protocol: 1},
			wantErr: true,
		},
		{
			name: "input omitted when nil",
			req:  &Request{Protocol: 1, Worker: "echo"},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"input"`) {
					t.Error("nil input should be omitted")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, msg *Message)
	}{
		{
			name:  "data message",
			input: `{"type":"message","data":{"value":42}}`,
			checkFn: func(t *testing.T, msg *Message) {
				data, ok := msg.Payload().(map[string]any)
				if !ok {
					t.Fatalf("payload = %T, want map", msg.Payload())
				}
				if data["value"] != float64(42) {
					t.Errorf("data not parsed correctly: %v", data)
				}
			},
		},
		{
			name:  "message without data",
			input: `{"type":"message"}`,
			checkFn: func(t *testing.T, msg *Message) {
				if msg.Payload() != nil {
					t.Errorf("want nil payload, got %v", msg.Payload())
				}
			},
		},
		{
			name:  "log message",
			input: `{"type":"log","level":"warn","text":"disk almost full"}`,
			checkFn: func(t *testing.T, msg *Message) {
				if msg.Level != "warn" || msg.Text != "disk almost full" {
					t.Errorf("log not parsed correctly: %+v", msg)
				}
			},
		},
		{name: "log without text", input: `{"type":"log","level":"info"}`, wantErr: true},
		{name: "missing type", input: `{"data":1}`, wantErr: true},
		{name: "unknown type", input: `{"type":"status"}`, wantErr: true},
		{name: "unknown field", input: `{"type":"message","extra":true}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestDecodeMessageLenient(t *testing.T) {
	msg := DecodeMessageLenient([]byte(`{"type":"message","data":"ok"}`))
	if msg.Type != TypeMessage || msg.Payload() != "ok" {
		t.Errorf("valid message not decoded: %+v", msg)
	}

	msg = DecodeMessageLenient([]byte("plain output line\r\n"))
	if msg.Type != TypeText {
		t.Errorf("want type text, got %q", msg.Type)
	}
	if msg.Payload() != "plain output line" {
		t.Errorf("want raw line as payload, got %v", msg.Payload())
	}
}

func TestReadMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"message","data":1}`,
		``,
		`hello`,
		`{"type":"log","level":"info","text":"working"}`,
		`{"type":"message","data":2}`,
	}, "\n")

	var got []*Message
	err := ReadMessages(strings.NewReader(input), func(m *Message) bool {
		got = append(got, m)
		return true
	})
	if err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("want 4 messages, got %d", len(got))
	}
	wantTypes := []string{TypeMessage, TypeText, TypeLog, TypeMessage}
	for i, m := range got {
		if m.Type != wantTypes[i] {
			t.Errorf("message %d: want type %q, got %q", i, wantTypes[i], m.Type)
		}
	}
}

func TestReadMessages_StopsEarly(t *testing.T) {
	count := 0
	err := ReadMessages(strings.NewReader("a\nb\nc\n"), func(*Message) bool {
		count++
		return count < 2
	})
	if err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if count != 2 {
		t.Errorf("want 2 calls, got %d", count)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broke") }

func TestReadMessages_ReadError(t *testing.T) {
	err := ReadMessages(failingReader{}, func(*Message) bool { return true })
	if err == nil || !strings.Contains(err.Error(), "pipe broke") {
		t.Errorf("want wrapped read error, got %v", err)
	}
}

func TestDecodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Protocol: Version, SubmissionID: "s", Worker: "w", Input: map[string]any{"n": 1}}
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got.SubmissionID != "s" || got.Worker != "w" {
		t.Errorf("DecodeRequest() = %+v", got)
	}

	if _, err := DecodeRequest(strings.NewReader(`{"protocol":2,"worker":"w"}`)); err == nil {
		t.Error("want error for unsupported protocol version")
	}
	if _, err := DecodeRequest(strings.NewReader("nope")); err == nil {
		t.Error("want error for invalid JSON")
	}
}

func TestEncodeMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeMessage(&buf, &Message{Type: TypeMessage, Data: map[string]any{"i": 1}}); err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if err := EncodeMessage(&buf, &Message{Type: TypeLog, Level: "info", Text: "hello"}); err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	var got []*Message
	if err := ReadMessages(&buf, func(m *Message) bool {
		got = append(got, m)
		return true
	}); err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if len(got) != 2 || got[0].Type != TypeMessage || got[1].Text != "hello" {
		t.Errorf("round trip = %+v", got)
	}

	if err := EncodeMessage(&buf, &Message{Type: TypeLog}); err == nil {
		t.Error("want error for empty log text")
	}
	if err := EncodeMessage(&buf, &Message{Type: TypeText, Text: "x"}); err == nil {
		t.Error("want error for text type")
	}
}
