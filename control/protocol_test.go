package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeSession struct {
	stackN int
}

func (f *fakeSession) Handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error) {
	switch cmd {
	case "set_stack_n":
		v, ok := args["value"].(float64)
		if !ok {
			return nil, errors.New("value required")
		}
		f.stackN = int(v)
		return map[string]interface{}{"stack_n": f.stackN}, nil
	case "clear_crop":
		return nil, nil
	case "fail":
		return nil, errors.New("boom")
	}
	return nil, ErrUnknownCommand
}

func serveString(t *testing.T, h Handler, req string) string {
	t.Helper()
	b, err := json.Marshal(Serve(context.Background(), h, []byte(req)))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestServeSuccess(t *testing.T) {
	f := &fakeSession{}
	got := serveString(t, f, `{"cmd":"set_stack_n","args":{"value":15}}`)
	exp := `{"ok":true,"result":{"stack_n":15}}`
	if got != exp {
		t.Errorf("got %s, expected %s", got, exp)
	}
	if f.stackN != 15 {
		t.Errorf("handler saw %d", f.stackN)
	}
}

func TestServeEmptyResultIsObject(t *testing.T) {
	got := serveString(t, &fakeSession{}, `{"cmd":"clear_crop"}`)
	exp := `{"ok":true,"result":{}}`
	if got != exp {
		t.Errorf("got %s, expected %s", got, exp)
	}
}

func TestServeUnknownCommand(t *testing.T) {
	for _, req := range []string{`{"cmd":"bogus"}`, `{"args":{}}`, `{}`} {
		got := serveString(t, &fakeSession{}, req)
		exp := `{"ok":false,"error":"unknown cmd"}`
		if got != exp {
			t.Errorf("%s: got %s, expected %s", req, got, exp)
		}
	}
}

func TestServeWrappedUnknownCommand(t *testing.T) {
	h := HandlerFunc(func(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.Join(errors.New("lookup"), ErrUnknownCommand)
	})
	r := Serve(context.Background(), h, []byte(`{"cmd":"x"}`))
	if r.Error != "unknown cmd" {
		t.Errorf("got %q", r.Error)
	}
}

func TestServeHandlerError(t *testing.T) {
	got := serveString(t, &fakeSession{}, `{"cmd":"fail"}`)
	exp := `{"ok":false,"error":"boom"}`
	if got != exp {
		t.Errorf("got %s, expected %s", got, exp)
	}
}

func TestServeBadRequest(t *testing.T) {
	for _, req := range []string{`not json`, `[1,2]`, `{"cmd":`} {
		r := Serve(context.Background(), &fakeSession{}, []byte(req))
		if r.OK {
			t.Errorf("%s: expected failure", req)
		}
		if !strings.HasPrefix(r.Error, "bad request: ") {
			t.Errorf("%s: got error %q", req, r.Error)
		}
	}
}

func TestDecodeFillsArgs(t *testing.T) {
	req, err := Decode([]byte(`{"cmd":"get_state"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Args == nil {
		t.Error("args should never be nil")
	}
}
