package worker

import (
	"fmt"

	"github.com/fluxorio/ocworker/pkg/core"
)

// Routes served and emitted by the worker.
const (
	RouteHello = "worker/hello"
	RouteInit  = "worker/init"
	RouteRun   = "worker/run"
	RouteClose = "worker/close"
	RouteError = "worker/error"

	// RouteDirectError carries error reports not tied to a request.
	RouteDirectError = "error"
)

// DefaultAuthCode is stamped on every outbound MsgInfo.
const DefaultAuthCode uint64 = 0x24420251131

// BaseMsg is the short payload of every frame. Payload is the encoded
// MsgInfo.
type BaseMsg struct {
	EventID uint64 `json:"event_id"`
	Payload string `json:"payload"`
}

// MsgInfo is the decoded inner message.
type MsgInfo struct {
	OperatorID uint64 `json:"operator_id"`
	Payload    string `json:"payload"`
	AuthCode   uint64 `json:"auth_code"`
}

// InitRequest asks the worker to load a program.
type InitRequest struct {
	SourceUID string `json:"source_uid"`
	Code      string `json:"code"`
}

// InitResult answers an InitRequest. Payload holds the compiler
// diagnostic when Succ is false.
type InitResult struct {
	SourceUID string `json:"source_uid"`
	Succ      bool   `json:"succ"`
	Payload   string `json:"payload"`
}

// RunRequest asks the worker to call Func with the JSON arguments in Input
// and render the result according to the Output tag.
type RunRequest struct {
	SourceUID string `json:"source_uid"`
	Func      string `json:"func"`
	Input     string `json:"input"`
	Output    int16  `json:"output"`
}

// RunResult answers a RunRequest. Exactly one of Error and Result is set.
type RunResult struct {
	SourceUID string `json:"source_uid"`
	Error     string `json:"error"`
	Result    string `json:"result"`
}

// Envelope builds and opens BaseMsg frames.
type Envelope struct {
	Codec    Codec
	AuthCode uint64
}

// Seal wraps payload for eventID and operatorID.
func (e Envelope) Seal(eventID, operatorID uint64, payload string) (string, error) {
	inner, err := core.BuildJSON(MsgInfo{OperatorID: operatorID, Payload: payload, AuthCode: e.AuthCode})
	if err != nil {
		return "", err
	}
	blob, err := e.Codec.Encode(inner, eventID)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return core.BuildJSON(BaseMsg{EventID: eventID, Payload: blob})
}

// Open parses a BaseMsg and decodes its MsgInfo.
func (e Envelope) Open(text string) (BaseMsg, MsgInfo, error) {
	base, err := core.ParseJSON[BaseMsg](text)
	if err != nil {
		return BaseMsg{}, MsgInfo{}, fmt.Errorf("parse base msg: %w", err)
	}
	inner, err := e.Codec.Decode(base.Payload, base.EventID)
	if err != nil {
		return base, MsgInfo{}, fmt.Errorf("decode envelope: %w", err)
	}
	info, err := core.ParseJSON[MsgInfo](inner)
	if err != nil {
		return base, MsgInfo{}, fmt.Errorf("parse msg info: %w", err)
	}
	return base, info, nil
}
