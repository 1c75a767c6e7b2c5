package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/gin-gonic/gin"
)

func webhookRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Webhook.RechargeSecret = secret

	// Nil ledger: every test here must be rejected before money is touched.
	h := NewWebhookHandler(nil, cfg)
	r := gin.New()
	r.POST("/callback", h.RechargeCallback)
	return r
}

func postCallback(t *testing.T, r *gin.Engine, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/callback", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRechargeCallback_RejectsBadSignature(t *testing.T) {
	r := webhookRouter("gateway-secret")

	w := postCallback(t, r, gin.H{
		"orderNo": "RC-123",
		"tradeNo": "TRADE-9",
		"amount":  50.00,
		"sign":    "deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	var resp struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Code != "ERR_BAD_SIGNATURE" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRechargeCallback_RejectsSignatureForDifferentAmount(t *testing.T) {
	r := webhookRouter("gateway-secret")

	// Signature is valid for 50.00 but the body claims 500.00.
	sign := signRecharge("gateway-secret", "RC-123", "TRADE-9", 50.00)
	w := postCallback(t, r, gin.H{
		"orderNo": "RC-123",
		"tradeNo": "TRADE-9",
		"amount":  500.00,
		"sign":    sign,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRechargeCallback_RejectsMissingFields(t *testing.T) {
	r := webhookRouter("gateway-secret")

	cases := []gin.H{
		{},
		{"orderNo": "RC-123"},
		{"orderNo": "RC-123", "tradeNo": "T-1", "amount": 0, "sign": "x"},
		{"orderNo": "RC-123", "tradeNo": "T-1", "amount": -5, "sign": "x"},
	}
	for i, body := range cases {
		if w := postCallback(t, r, body); w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, want 400", i, w.Code)
		}
	}
}

func TestSignRecharge_Deterministic(t *testing.T) {
	a := signRecharge("s", "O-1", "T-1", 12.5)
	b := signRecharge("s", "O-1", "T-1", 12.50)
	if a != b {
		t.Fatal("amount must be canonicalised to two decimals before signing")
	}
	if a == signRecharge("other", "O-1", "T-1", 12.5) {
		t.Fatal("different secrets must produce different signatures")
	}
	if a == signRecharge("s", "O-1", "T-2", 12.5) {
		t.Fatal("different trade numbers must produce different signatures")
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
}
