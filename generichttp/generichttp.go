// Package generichttp defines an extensible route table for HTTP wrappers
// and closures that adapt getters and setters to HTTP handlers
package generichttp

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.com/devilmastah/asilive/server"
)

// MethodPath is a struct containing an HTTP method and path
type MethodPath struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// RouteTable maps method+path combinations to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD /path", sorted by path
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path == keys[j].Path {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Path < keys[j].Path
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Method + " " + k.Path
	}
	return out
}

// Bind binds every route to r, along with GET /list-of-routes which returns
// Endpoints
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.MethodFunc(mp.Method, mp.Path, h)
	}
	r.Get("/list-of-routes", func(w http.ResponseWriter, req *http.Request) {
		server.ReplyJSON(w, rt.Endpoints())
	})
}

// HTTPer is a type which can return a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize makes a mount point start with a slash and not end with one
func SubMuxSanitize(str string) string {
	str = strings.TrimSpace(str)
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	if len(str) > 1 {
		str = strings.TrimSuffix(str, "/")
	}
	return str
}

// StatusCoder is implemented by errors which carry their own HTTP status
type StatusCoder interface {
	HTTPStatus() int
}

// Error replies with err.  The status is 500 unless err wraps a StatusCoder.
func Error(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		code = sc.HTTPStatus()
	}
	http.Error(w, err.Error(), code)
}

// get replies with the value fcn returns, wrapped by wrap
func get[T any](fcn func() (T, error), wrap func(T) server.HumanPayload) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		wrap(v).EncodeAndRespond(w, r)
	}
}

// set decodes the request body into a P and calls fcn with the value unwrap
// extracts from it
func set[P any, T any](fcn func(T) error, unwrap func(P) T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p P
		err := json.NewDecoder(r.Body).Decode(&p)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = fcn(unwrap(p)); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return get(fcn, func(f float64) server.HumanPayload {
		return server.HumanPayload{T: types.Float64, Float: f}
	})
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return set(fcn, func(p server.FloatT) float64 { return p.F64 })
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return get(fcn, func(i int) server.HumanPayload {
		return server.HumanPayload{T: types.Int, Int: i}
	})
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return set(fcn, func(p server.IntT) int { return p.Int })
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return get(fcn, func(s string) server.HumanPayload {
		return server.HumanPayload{T: types.String, String: s}
	})
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return get(fcn, func(b bool) server.HumanPayload {
		return server.HumanPayload{T: types.Bool, Bool: b}
	})
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return set(fcn, func(p server.BoolT) bool { return p.Bool })
}
