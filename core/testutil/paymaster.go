package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// PaymasterCall records one pm_sponsorUserOperation request.
type PaymasterCall struct {
	Method     string
	Op         map[string]interface{}
	EntryPoint string
}

// FakePaymaster answers pm_sponsorUserOperation with scripted results. The
// n-th call gets the n-th result; the last result repeats.
type FakePaymaster struct {
	URL string

	mu      sync.Mutex
	results []interface{}
	rpcErr  *RPCError
	status  int
	calls   []PaymasterCall
}

func NewFakePaymaster(t testing.TB, results ...interface{}) *FakePaymaster {
	t.Helper()

	pm := &FakePaymaster{results: results}
	server := httptest.NewServer(http.HandlerFunc(pm.serveHTTP))
	t.Cleanup(server.Close)
	pm.URL = server.URL
	return pm
}

// FailWith makes every call return a JSON-RPC error.
func (p *FakePaymaster) FailWith(err *RPCError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpcErr = err
}

// FailWithStatus makes every call fail at the HTTP layer.
func (p *FakePaymaster) FailWithStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *FakePaymaster) Calls() []PaymasterCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaymasterCall{}, p.calls...)
}

func (p *FakePaymaster) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	call := PaymasterCall{Method: req.Method}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &call.Op)
	}
	if len(req.Params) > 1 {
		_ = json.Unmarshal(req.Params[1], &call.EntryPoint)
	}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	n := len(p.calls)
	status, rpcErr := p.status, p.rpcErr
	var result interface{}
	if len(p.results) > 0 {
		idx := n - 1
		if idx >= len(p.results) {
			idx = len(p.results) - 1
		}
		result = p.results[idx]
	}
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "paymaster unavailable", status)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
