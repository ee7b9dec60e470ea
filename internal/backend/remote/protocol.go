package remote

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types.
const (
	MsgDescribe = "describe"
	MsgExecute  = "execute"
	MsgResult   = "result"
	MsgError    = "error"
)

// Request is sent from the runner to the device agent. Output buffers of an
// execute request carry descriptors only; the agent allocates them.
type Request struct {
	Type      string         `json:"type"`
	ID        uint64         `json:"id"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	Batch     *backend.Batch `json:"batch,omitempty"`
}

// Response answers exactly one Request. Type is MsgResult or MsgError; an
// error reply carries the status code of the failure.
type Response struct {
	Type         string                `json:"type"`
	ID           uint64                `json:"id"`
	Status       model.StatusCode      `json:"status"`
	Error        string                `json:"error,omitempty"`
	Manifest     *model.Manifest       `json:"manifest,omitempty"`
	Capabilities *backend.Capabilities `json:"capabilities,omitempty"`
	Outputs      [][][]byte            `json:"outputs,omitempty"`
}

// Err converts an error reply into a backend.StatusError.
func (r *Response) Err() error {
	if r.Type != MsgError {
		return nil
	}
	return backend.Errorf(r.Status, "agent: %s", r.Error)
}

// ErrorResponse builds the error reply for a failed request.
func ErrorResponse(id uint64, err error) Response {
	return Response{
		Type:   MsgError,
		ID:     id,
		Status: backend.StatusOf(err),
		Error:  err.Error(),
	}
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// The prefix and payload go out in a single Write.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
