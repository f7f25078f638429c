// Package rpcvalidate parses and validates JSON-RPC 2.0 request bodies
// per spec §4.2, producing a typed Request/Batch value for downstream
// code instead of a loosely-typed map (design note: validate once at
// the edge).
package rpcvalidate

import (
	"encoding/json"
	"strconv"
)

// blockedPrefixes are the namespaces spec §4.2 rejects outright.
var blockedPrefixes = []string{
	"admin_", "personal_", "debug_", "miner_", "engine_", "clique_", "les_",
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is a JSON-RPC 2.0 error envelope, echoing the offending
// id (or null) per spec §6.
type ErrorResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Error   RPCError    `json:"error"`
}

func newError(id interface{}, code int, message string) *ErrorResponse {
	return &ErrorResponse{JSONRPC: "2.0", ID: id, Error: RPCError{Code: code, Message: message}}
}

// rawRequest mirrors the wire shape before validation; ID is kept raw so
// that "id omitted" (empty) can be told apart from "id explicitly null"
// (the literal null).
type rawRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
}

// Request is one validated JSON-RPC call.
type Request struct {
	JSONRPC string
	Method  string
	ID      interface{}
	Params  json.RawMessage
}

// Batch is a validated, non-empty list of requests.
type Batch struct {
	Requests []Request
	IsBatch  bool
}

// Parse validates raw JSON-RPC body bytes per spec §4.2's contract.
// On success it returns the typed batch (a single request is returned
// as a one-element, non-batch Batch). On failure it returns the
// JSON-RPC error response that must be sent back to the caller.
//
// Parse never panics; any internal error is translated to a parse-error
// response rather than propagated.
func Parse(body []byte) (*Batch, *ErrorResponse) {
	trimmed := trimLeadingWhitespace(body)

	if len(trimmed) == 0 || trimmed[0] == 'n' /* null literal */ {
		return nil, newError(nil, -32700, "Parse error")
	}

	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, newError(nil, -32700, "Parse error")
		}
		if len(raws) == 0 {
			return nil, newError(nil, -32600, "Invalid Request")
		}
		reqs := make([]Request, 0, len(raws))
		for i, raw := range raws {
			req, errResp := validateOne(raw, i)
			if errResp != nil {
				return nil, errResp
			}
			reqs = append(reqs, *req)
		}
		return &Batch{Requests: reqs, IsBatch: true}, nil

	case '{':
		req, errResp := validateOne(trimmed, -1)
		if errResp != nil {
			return nil, errResp
		}
		return &Batch{Requests: []Request{*req}, IsBatch: false}, nil

	default:
		return nil, newError(nil, -32700, "Parse error")
	}
}

func trimLeadingWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

func validateOne(raw json.RawMessage, batchIndex int) (*Request, *ErrorResponse) {
	var rr rawRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, batchError(nil, batchIndex, -32600, "Invalid Request")
	}

	var id interface{}
	idPresent := len(rr.ID) > 0
	if idPresent {
		if err := json.Unmarshal(rr.ID, &id); err != nil {
			return nil, batchError(nil, batchIndex, -32600, "Invalid Request")
		}
	}

	if rr.JSONRPC != "2.0" {
		return nil, batchError(id, batchIndex, -32600, "Invalid Request")
	}
	if rr.Method == "" {
		return nil, batchError(id, batchIndex, -32600, "Invalid Request")
	}
	if !idPresent {
		return nil, batchError(nil, batchIndex, -32600, "Invalid Request")
	}

	if ns, blocked := blockedNamespace(rr.Method); blocked {
		return nil, batchError(id, batchIndex, -32601, "Method not found: "+ns+" namespace is not permitted")
	}

	return &Request{JSONRPC: rr.JSONRPC, Method: rr.Method, ID: id, Params: rr.Params}, nil
}

// batchError annotates the error message with the batch index for
// batch requests per spec §4.2; batchIndex < 0 means "not a batch".
func batchError(id interface{}, batchIndex int, code int, message string) *ErrorResponse {
	if batchIndex >= 0 {
		message = message + " (batch index " + strconv.Itoa(batchIndex) + ")"
	}
	return newError(id, code, message)
}

func blockedNamespace(method string) (string, bool) {
	for _, prefix := range blockedPrefixes {
		if len(method) >= len(prefix) && method[:len(prefix)] == prefix {
			return prefix[:len(prefix)-1], true
		}
	}
	return "", false
}
