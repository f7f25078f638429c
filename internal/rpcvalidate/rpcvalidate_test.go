package rpcvalidate

import "testing"

func TestParseValidSingleton(t *testing.T) {
	batch, errResp := Parse([]byte(`{"jsonrpc":"2.0","method":"eth_call","id":"x"}`))
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}
	if batch.IsBatch {
		t.Error("expected non-batch")
	}
	if len(batch.Requests) != 1 || batch.Requests[0].Method != "eth_call" {
		t.Errorf("unexpected batch: %+v", batch)
	}
}

func TestParseEmptyBodyIsParseError(t *testing.T) {
	_, errResp := Parse([]byte(``))
	if errResp == nil || errResp.Error.Code != -32700 {
		t.Fatalf("expected -32700, got %+v", errResp)
	}
	if errResp.ID != nil {
		t.Errorf("expected nil id, got %v", errResp.ID)
	}
}

func TestParseNullBodyIsParseError(t *testing.T) {
	_, errResp := Parse([]byte(`null`))
	if errResp == nil || errResp.Error.Code != -32700 {
		t.Fatalf("expected -32700, got %+v", errResp)
	}
}

func TestParseEmptyArrayIsInvalidRequest(t *testing.T) {
	_, errResp := Parse([]byte(`[]`))
	if errResp == nil || errResp.Error.Code != -32600 {
		t.Fatalf("expected -32600, got %+v", errResp)
	}
}

func TestParseMissingIDIsInvalidRequest(t *testing.T) {
	_, errResp := Parse([]byte(`{"jsonrpc":"2.0","method":"eth_call"}`))
	if errResp == nil || errResp.Error.Code != -32600 {
		t.Fatalf("expected -32600, got %+v", errResp)
	}
}

func TestParseNullIDIsAccepted(t *testing.T) {
	batch, errResp := Parse([]byte(`{"jsonrpc":"2.0","method":"eth_call","id":null}`))
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}
	if batch.Requests[0].ID != nil {
		t.Errorf("expected nil id value, got %v", batch.Requests[0].ID)
	}
}

func TestParseBlockedNamespace(t *testing.T) {
	_, errResp := Parse([]byte(`{"jsonrpc":"2.0","method":"debug_traceTransaction","id":2}`))
	if errResp == nil || errResp.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", errResp)
	}
	if errResp.ID != float64(2) {
		t.Errorf("expected id 2, got %v", errResp.ID)
	}
}

func TestParseBatchRejectsOnFirstBadEntry(t *testing.T) {
	body := `[
		{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},
		{"jsonrpc":"2.0","method":"debug_traceTransaction","id":2}
	]`
	_, errResp := Parse([]byte(body))
	if errResp == nil || errResp.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", errResp)
	}
	if errResp.ID != float64(2) {
		t.Errorf("expected id 2, got %v", errResp.ID)
	}
}
