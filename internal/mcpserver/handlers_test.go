package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	buyer       = "0x1111111111111111111111111111111111111111"
	arbiter     = "0x2222222222222222222222222222222222222222"
	beneficiary = "0x3333333333333333333333333333333333333333"
	escrowAddr  = "0x4444444444444444444444444444444444444444"
)

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewEscrowClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func deployedSnapshot() map[string]any {
	return map[string]any{
		"phase":      "deployed",
		"account":    arbiter,
		"balance":    "10.0000",
		"role":       "arbiter",
		"roleLabel":  "Arbiter",
		"nextAction": "approve",
		"status":     "Pending",
		"warning":    false,
		"contract": map[string]any{
			"address":     escrowAddr,
			"buyer":       buyer,
			"arbiter":     arbiter,
			"beneficiary": beneficiary,
			"valueWei":    "1500000000000000000",
			"value":       "1.5",
			"phase":       "deployed",
			"deployTx":    "0xabc",
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "in_flight", "message": "lifecycle: transaction in flight"})
	}))
	defer cleanup()

	_, err := h.client.Reset(context.Background())
	require.Error(t, err)
	assert.Equal(t, "API error (409): lifecycle: transaction in flight", err.Error())
}

func TestClient_DoRequest_HTTPError_WithField(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": "validation_failed", "field": "arbiter", "message": "is not a valid address",
		})
	}))
	defer cleanup()

	_, err := h.client.Action(context.Background(), beneficiary, "nope", "1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(422)")
	assert.Contains(t, err.Error(), "arbiter is not a valid address")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer cleanup()

	_, err := h.client.Session(context.Background())
	require.Error(t, err)
	assert.Equal(t, "API error (502): upstream down", err.Error())
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewEscrowClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.Session(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.client.Session(ctx)
	require.Error(t, err)
}

func TestClient_Action_RequestBodyAndQuery(t *testing.T) {
	var gotQuery string
	var gotBody map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/escrow/action", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer cleanup()

	_, err := h.client.Action(context.Background(), beneficiary, arbiter, "1.5", false)
	require.NoError(t, err)
	assert.Equal(t, "wait=false", gotQuery)
	assert.Equal(t, map[string]string{"beneficiary": beneficiary, "arbiter": arbiter, "value": "1.5"}, gotBody)
}

func TestClient_List_QueryParams(t *testing.T) {
	tests := []struct {
		name    string
		account string
		limit   int
		want    string
	}{
		{"both", buyer, 5, "account=" + buyer + "&limit=5"},
		{"none", "", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/escrows", r.URL.Path)
				got = r.URL.RawQuery
				_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
			}))
			defer cleanup()

			_, err := h.client.List(context.Background(), tt.account, tt.limit, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleEscrowStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/session", r.URL.Path)
		writeJSON(w, http.StatusOK, deployedSnapshot())
	}))
	defer cleanup()

	result, err := h.HandleEscrowStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Phase: deployed")
	assert.Contains(t, text, "Status: Pending")
	assert.Contains(t, text, "Role: Arbiter")
	assert.Contains(t, text, "Next action: approve")
	assert.Contains(t, text, "Address:     "+escrowAddr)
	assert.Contains(t, text, "Value:       1.5 ETH")
	assert.NotContains(t, text, "Approve tx")
}

func TestHandleEscrowStatus_Idle(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"phase": "idle", "status": "Not Deployed Yet", "account": buyer,
			"balance": "10.0000", "roleLabel": "Buyer", "nextAction": "none",
		})
	}))
	defer cleanup()

	result, err := h.HandleEscrowStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: Not Deployed Yet")
	assert.NotContains(t, text, "Next action")
	assert.NotContains(t, text, "Escrow:")
}

func TestHandleSwitchAccount(t *testing.T) {
	var got map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/session/account", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, deployedSnapshot())
	}))
	defer cleanup()

	result, err := h.HandleSwitchAccount(context.Background(), makeRequest(map[string]any{"address": arbiter}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, arbiter, got["address"])
}

func TestHandleSwitchAccount_MissingAddress(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleSwitchAccount(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "address is required", resultText(t, result))
}

func TestHandleCreateEscrow_WrongPhase(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "invalid_phase", "message": "lifecycle: not allowed in current phase"})
	}))
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not allowed in current phase")
}

func TestHandleSubmitEscrowAction_Deploy(t *testing.T) {
	var gotQuery string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		snap := deployedSnapshot()
		snap["account"] = buyer
		snap["roleLabel"] = "Buyer"
		snap["nextAction"] = "none"
		snap["status"] = "Deployed"
		writeJSON(w, http.StatusOK, snap)
	}))
	defer cleanup()

	result, err := h.HandleSubmitEscrowAction(context.Background(), makeRequest(map[string]any{
		"beneficiary": beneficiary, "arbiter": arbiter, "value": "1.5",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "wait=true", gotQuery)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: Deployed")
	assert.Contains(t, text, "Deploy tx:   0xabc")
}

func TestHandleSubmitEscrowAction_NoWait(t *testing.T) {
	var gotQuery string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusAccepted, map[string]any{"phase": "approving", "status": "Approving"})
	}))
	defer cleanup()

	result, err := h.HandleSubmitEscrowAction(context.Background(), makeRequest(map[string]any{"wait": false}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "wait=false", gotQuery)
	assert.Contains(t, resultText(t, result), "Status: Approving")
}

func TestHandleSubmitEscrowAction_EventTimeout(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := deployedSnapshot()
		snap["phase"] = "awaiting_approve_confirmation"
		snap["status"] = "Approval Unverified"
		snap["warning"] = true
		writeJSON(w, http.StatusAccepted, map[string]any{
			"error":    "event_timeout",
			"message":  "gateway: event not observed before deadline",
			"snapshot": snap,
		})
	}))
	defer cleanup()

	result, err := h.HandleSubmitEscrowAction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.True(t, strings.HasPrefix(text, "Warning: gateway: event not observed"))
	assert.Contains(t, text, "recheck_approval")
	assert.Contains(t, text, "Status: Approval Unverified")
}

func TestHandleSubmitEscrowAction_Reverted(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "transaction_reverted",
			"message": "gateway: transaction reverted",
		})
	}))
	defer cleanup()

	result, err := h.HandleSubmitEscrowAction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Action failed: API error (502): gateway: transaction reverted")
}

func TestHandleLoadEscrow(t *testing.T) {
	var got map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrow/load", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, deployedSnapshot())
	}))
	defer cleanup()

	result, err := h.HandleLoadEscrow(context.Background(), makeRequest(map[string]any{"address": escrowAddr}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, escrowAddr, got["address"])
}

func TestHandleLoadEscrow_MissingAddress(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleLoadEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecheckApproval(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		want     string
	}{
		{"approved", true, "reports the escrow as approved"},
		{"still unverified", false, "does not report approval yet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"approved": tt.approved, "snapshot": deployedSnapshot()})
			}))
			defer cleanup()

			result, err := h.HandleRecheckApproval(context.Background(), makeRequest(nil))
			require.NoError(t, err)
			require.False(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleResetEscrow(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrow/reset", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"phase": "idle", "status": "Not Deployed Yet"})
	}))
	defer cleanup()

	result, err := h.HandleResetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Phase: idle")
}

func TestHandleListEscrows(t *testing.T) {
	var gotQuery string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{
			"escrows": []map[string]any{{
				"address": escrowAddr, "buyer": buyer, "arbiter": arbiter,
				"beneficiary": beneficiary, "valueWei": "1500000000000000000", "phase": "approved",
			}},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(map[string]any{"account": buyer}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "account="+buyer+"&limit=20", gotQuery)

	text := resultText(t, result)
	assert.Contains(t, text, "1 escrow(s)")
	assert.Contains(t, text, "1. "+escrowAddr+" [approved]")
	assert.Contains(t, text, "value 1500000000000000000 wei")
}

func TestHandleListEscrows_MorePages(t *testing.T) {
	var gotCursor string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		writeJSON(w, http.StatusOK, map[string]any{
			"escrows":     []map[string]any{{"address": escrowAddr, "phase": "deployed"}},
			"count":       1,
			"has_more":    true,
			"next_cursor": "abc123",
		})
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(map[string]any{"cursor": "prev", "limit": 1}))
	require.NoError(t, err)
	assert.Equal(t, "prev", gotCursor)
	assert.Contains(t, resultText(t, result), `cursor "abc123"`)
}

func TestHandleListEscrows_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No escrows recorded.", resultText(t, result))
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatSnapshot_MalformedJSON(t *testing.T) {
	_, err := formatSnapshot(json.RawMessage(`{bad`))
	assert.Error(t, err)
}

func TestFormatSnapshot_ShowsLastError(t *testing.T) {
	text, err := formatSnapshot(json.RawMessage(`{"phase":"failed","status":"Deployment Error","errorKind":"transaction_reverted","error":"gateway: transaction reverted"}`))
	require.NoError(t, err)
	assert.Contains(t, text, "Last error (transaction_reverted): gateway: transaction reverted")
}

func TestFormatSnapshot_UnknownShapeFallsBackToJSON(t *testing.T) {
	text, err := formatSnapshot(json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Contains(t, text, `"ok": true`)
}

func TestFormatEscrowList_MalformedJSON(t *testing.T) {
	_, err := formatEscrowList(json.RawMessage(`[`))
	assert.Error(t, err)
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"b": "x", "n": 2.5}
	assert.Equal(t, "x", getString(m, "a", "b"))
	assert.Equal(t, "2.5", getString(m, "n"))
	assert.Equal(t, "", getString(m, "missing"))
}

// ============================================================
// Concurrency / wiring
// ============================================================

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, deployedSnapshot())
	}))
	defer cleanup()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = h.HandleEscrowStatus(context.Background(), makeRequest(nil))
			_, _ = h.HandleResetEscrow(context.Background(), makeRequest(nil))
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, int32(40), callCount.Load())
}

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"EscrowStatus", func() (*mcp.CallToolResult, error) {
			return h.HandleEscrowStatus(context.Background(), makeRequest(nil))
		}},
		{"SwitchAccount", func() (*mcp.CallToolResult, error) {
			return h.HandleSwitchAccount(context.Background(), makeRequest(map[string]any{"address": buyer}))
		}},
		{"CreateEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateEscrow(context.Background(), makeRequest(nil))
		}},
		{"SubmitEscrowAction", func() (*mcp.CallToolResult, error) {
			return h.HandleSubmitEscrowAction(context.Background(), makeRequest(nil))
		}},
		{"LoadEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleLoadEscrow(context.Background(), makeRequest(map[string]any{"address": escrowAddr}))
		}},
		{"RecheckApproval", func() (*mcp.CallToolResult, error) {
			return h.HandleRecheckApproval(context.Background(), makeRequest(nil))
		}},
		{"ResetEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleResetEscrow(context.Background(), makeRequest(nil))
		}},
		{"ListEscrows", func() (*mcp.CallToolResult, error) {
			return h.HandleListEscrows(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			require.NotNil(t, result)
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
