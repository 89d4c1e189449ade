package external

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
)

// TestRPCServer is a tiny JSON-RPC stand-in for tests: register canned
// responses per method, start it, and point an HTTPRPCClient at its URL.
type TestRPCServer struct {
	srv       *httptest.Server
	responses map[string]json.RawMessage
	errors    map[string]*RPCError
}

// NewTestRPCServer starts a listening test server with an empty response
// table; populate it with SetResponse/SetError before issuing calls.
func NewTestRPCServer() *TestRPCServer {
	t := &TestRPCServer{
		responses: make(map[string]json.RawMessage),
		errors:    make(map[string]*RPCError),
	}

	r := chi.NewRouter()
	r.Post("/", t.handle)
	t.srv = httptest.NewServer(r)
	return t
}

// URL returns the server's base URL, suitable as an HTTPRPCClient endpoint.
func (t *TestRPCServer) URL() string { return t.srv.URL }

// Close shuts the test server down.
func (t *TestRPCServer) Close() { t.srv.Close() }

// SetResponse registers the raw JSON result to return for method.
func (t *TestRPCServer) SetResponse(method string, result json.RawMessage) {
	t.responses[method] = result
	delete(t.errors, method)
}

// SetError registers an RPCError to return for method instead of a result.
func (t *TestRPCServer) SetError(method string, rpcErr *RPCError) {
	t.errors[method] = rpcErr
	delete(t.responses, method)
}

func (t *TestRPCServer) handle(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := RPCResponse{ID: req.ID}
	if rpcErr, ok := t.errors[req.Method]; ok {
		resp.Error = rpcErr
	} else if result, ok := t.responses[req.Method]; ok {
		resp.Result = result
	} else {
		resp.Error = &RPCError{Code: -32601, Message: "method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
