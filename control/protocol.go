/*Package control implements the request/reply control plane.

Requests and replies are single JSON documents:

	{"cmd": "set_gain", "args": {"value": 120}}
	{"ok": true, "result": {"gain": 120}}
	{"ok": false, "error": "unknown cmd"}

A malformed request gets a failure reply beginning "bad request:".  The
transport is a ZeroMQ REP socket; Client is the matching REQ side.
*/
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is returned for command names nobody handles
	ErrUnknownCommand = errors.New("unknown cmd")

	// ErrBadRequest is returned for requests which are not valid JSON objects
	ErrBadRequest = errors.New("bad request")
)

// Request is one command
type Request struct {
	Cmd  string                 `json:"cmd"`
	Args map[string]interface{} `json:"args"`
}

// Reply is the answer to a Request
type Reply struct {
	OK     bool                   `json:"ok"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// MarshalJSON always includes result on success, even when it is empty,
// and never on failure
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.OK {
		res := r.Result
		if res == nil {
			res = map[string]interface{}{}
		}
		return json.Marshal(struct {
			OK     bool                   `json:"ok"`
			Result map[string]interface{} `json:"result"`
		}{true, res})
	}
	msg := r.Error
	if msg == "" {
		msg = "error"
	}
	return json.Marshal(struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, msg})
}

// Handler executes a command and returns the fields of its result
type Handler interface {
	Handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, cmd, args)
}

// Success wraps a result
func Success(result map[string]interface{}) Reply {
	return Reply{OK: true, Result: result}
}

// Failure wraps an error
func Failure(err error) Reply {
	if errors.Is(err, ErrUnknownCommand) {
		return Reply{Error: ErrUnknownCommand.Error()}
	}
	return Reply{Error: err.Error()}
}

// Decode parses a raw request
func Decode(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Args == nil {
		req.Args = map[string]interface{}{}
	}
	return req, nil
}

// Serve decodes raw, runs it through h and returns the reply.  It never
// fails; every error becomes a failure reply.
func Serve(ctx context.Context, h Handler, raw []byte) Reply {
	req, err := Decode(raw)
	if err != nil {
		return Failure(err)
	}
	if req.Cmd == "" {
		return Failure(ErrUnknownCommand)
	}
	res, err := h.Handle(ctx, req.Cmd, req.Args)
	if err != nil {
		return Failure(err)
	}
	return Success(res)
}
