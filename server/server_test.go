package server

import (
	"go/types"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHumanPayloadJSON(t *testing.T) {
	cases := []struct {
		hp  HumanPayload
		exp string
	}{
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{HumanPayload{T: types.Int, Int: 7}, `{"int":7}`},
		{HumanPayload{T: types.String, String: "x"}, `{"str":"x"}`},
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		c.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := strings.TrimSpace(w.Body.String()); got != c.exp {
			t.Errorf("got %s, expected %s", got, c.exp)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
	}
}

func TestHumanPayloadText(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/plain")
	HumanPayload{T: types.Int, Int: 42}.EncodeAndRespond(w, r)
	if w.Body.String() != "42" {
		t.Errorf("got %q", w.Body.String())
	}
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.fits"), []byte("SIMPLE"), 0666); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "a.fits", dir)
	if w.Code != http.StatusOK || w.Body.String() != "SIMPLE" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "../../etc/passwd", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("escaping the folder gave %d", w.Code)
	}
}
