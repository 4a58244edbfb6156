package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize bounds a single stdout line.
const MaxLineSize = 1 << 20

// EncodeRequest serializes req as one JSON line and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Worker == "" {
		return errors.New("request missing required field: worker")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads the request envelope from a worker's stdin.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// EncodeMessage writes msg as one stdout line. It is the worker-side
// counterpart of DecodeMessage.
func EncodeMessage(w io.Writer, msg *Message) error {
	switch msg.Type {
	case TypeMessage:
	case TypeLog:
		if msg.Text == "" {
			return errors.New("log message has no text")
		}
	default:
		return fmt.Errorf("invalid message type: %q (must be 'message' or 'log')", msg.Type)
	}
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// DecodeMessage parses one stdout line strictly.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message

	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Type {
	case "":
		return nil, errors.New("message missing required field: type")
	case TypeMessage:
	case TypeLog:
		if msg.Text == "" {
			return nil, errors.New("log message has no text")
		}
	default:
		return nil, fmt.Errorf("invalid message type: %q (must be 'message' or 'log')", msg.Type)
	}
	return &msg, nil
}

// DecodeMessageLenient is like DecodeMessage but never fails: a line that is
// not a valid message comes back as a text message carrying the raw line.
func DecodeMessageLenient(line []byte) *Message {
	msg, err := DecodeMessage(line)
	if err != nil {
		return &Message{Type: TypeText, Text: string(bytes.TrimRight(line, "\r\n"))}
	}
	return msg
}

// ReadMessages decodes r line by line, leniently, and passes each message to
// fn. Blank lines are skipped. It returns when r is exhausted or fn returns
// false.
func ReadMessages(r io.Reader, fn func(*Message) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !fn(DecodeMessageLenient(line)) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read worker output: %w", err)
	}
	return nil
}
