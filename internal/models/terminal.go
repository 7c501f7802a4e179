package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the advisory activity classification of a terminal session.
type SessionStatus string

const (
	SessionConnecting   SessionStatus = "connecting"
	SessionThinking     SessionStatus = "thinking"
	SessionTyping       SessionStatus = "typing"
	SessionWaiting      SessionStatus = "waiting"
	SessionExited       SessionStatus = "exited"
	SessionDisconnected SessionStatus = "disconnected" // client side only
)

// SessionMode is how the agent was invoked for the current process.
type SessionMode string

const (
	// ModePrint runs the task spec as a one-shot prompt.
	ModePrint SessionMode = "print"
	// ModeContinue resumes the previous conversation interactively.
	ModeContinue SessionMode = "continue"
)

// SessionInfo summarises a live session for GET /api/sessions.
type SessionInfo struct {
	ID         string        `json:"id"`
	Repo       string        `json:"repo"`
	TaskID     string        `json:"taskId"`
	Status     SessionStatus `json:"status"`
	Mode       SessionMode   `json:"mode"`
	Exited     bool          `json:"exited"`
	Viewers    int           `json:"viewers"`
	Generation int           `json:"generation"`
	StartedAt  time.Time     `json:"startedAt"`
	ExitedAt   *time.Time    `json:"exitedAt,omitempty"`
}

// FrameType is the "type" tag of a JSON control frame.
type FrameType string

const (
	FrameResize  FrameType = "resize"
	FrameReplay  FrameType = "replay"
	FrameStatus  FrameType = "status"
	FrameExit    FrameType = "exit"
	FrameError   FrameType = "error"
	FrameResumed FrameType = "resumed"
	FrameResume  FrameType = "resume"
)

var (
	// ErrUnknownFrame is returned for JSON frames whose type tag is not known.
	ErrUnknownFrame = errors.New("unknown control frame type")
	// ErrNotControl is returned for text that is not a JSON control frame at all.
	ErrNotControl = errors.New("not a control frame")
	// ErrMalformedFrame is returned for a typed frame whose fields do not parse.
	ErrMalformedFrame = errors.New("malformed control frame")
)

// ControlFrame is one of the JSON messages of the terminal transport.
// Binary frames carry raw PTY output and are not represented here.
type ControlFrame interface {
	FrameType() FrameType
}

// ResizeFrame is sent by the client first on every connection and whenever
// the terminal widget changes size.
type ResizeFrame struct {
	Cols uint16
	Rows uint16
}

// ReplayFrame carries the session output produced before the viewer attached.
type ReplayFrame struct {
	Data []byte
}

type StatusFrame struct {
	Value SessionStatus
}

// ExitFrame marks the end of a subprocess. Clients must not reconnect after it.
type ExitFrame struct {
	Code *int
}

type ErrorFrame struct {
	Message string
}

// ResumedFrame marks where a continuation process's output begins.
type ResumedFrame struct{}

// ResumeFrame asks the server to continue an exited session interactively.
type ResumeFrame struct{}

func (ResizeFrame) FrameType() FrameType  { return FrameResize }
func (ReplayFrame) FrameType() FrameType  { return FrameReplay }
func (StatusFrame) FrameType() FrameType  { return FrameStatus }
func (ExitFrame) FrameType() FrameType    { return FrameExit }
func (ErrorFrame) FrameType() FrameType   { return FrameError }
func (ResumedFrame) FrameType() FrameType { return FrameResumed }
func (ResumeFrame) FrameType() FrameType  { return FrameResume }

// wireFrame is the union of every field any frame may carry.
type wireFrame struct {
	Type    FrameType     `json:"type"`
	Cols    uint16        `json:"cols,omitempty"`
	Rows    uint16        `json:"rows,omitempty"`
	Data    *string       `json:"data,omitempty"`
	Value   SessionStatus `json:"value,omitempty"`
	Message string        `json:"message,omitempty"`
	Code    *int          `json:"code,omitempty"`
}

// EncodeControlFrame renders f as the JSON text of a control frame.
func EncodeControlFrame(f ControlFrame) ([]byte, error) {
	w := wireFrame{Type: f.FrameType()}
	switch v := f.(type) {
	case ResizeFrame:
		w.Cols, w.Rows = v.Cols, v.Rows
	case ReplayFrame:
		data := base64.StdEncoding.EncodeToString(v.Data)
		w.Data = &data
	case StatusFrame:
		w.Value = v.Value
	case ExitFrame:
		w.Code = v.Code
	case ErrorFrame:
		w.Message = v.Message
	case ResumedFrame, ResumeFrame:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
	return json.Marshal(w)
}

// DecodeControlFrame parses a text frame. Text that is not a JSON object
// with a type tag yields ErrNotControl; a type tag nobody knows yields
// ErrUnknownFrame and a known one with bad fields ErrMalformedFrame.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotControl
	}

	var tag struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &tag); err != nil || tag.Type == "" {
		return nil, ErrNotControl
	}

	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, tag.Type, err)
	}

	switch w.Type {
	case FrameResize:
		return ResizeFrame{Cols: w.Cols, Rows: w.Rows}, nil
	case FrameReplay:
		var raw []byte
		if w.Data != nil {
			decoded, err := base64.StdEncoding.DecodeString(*w.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: replay data: %v", ErrMalformedFrame, err)
			}
			raw = decoded
		}
		return ReplayFrame{Data: raw}, nil
	case FrameStatus:
		return StatusFrame{Value: w.Value}, nil
	case FrameExit:
		return ExitFrame{Code: w.Code}, nil
	case FrameError:
		return ErrorFrame{Message: w.Message}, nil
	case FrameResumed:
		return ResumedFrame{}, nil
	case FrameResume:
		return ResumeFrame{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
}
