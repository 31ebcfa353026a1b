package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInitiate_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payments" {
			t.Fatalf("path = %s, want /api/payments", r.URL.Path)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["amount"].(float64) != 30000 {
			t.Fatalf("amount = %v, want 30000", req["amount"])
		}
		if req["order"].(string) != "CAT-20260831-000001" {
			t.Fatalf("order = %v", req["order"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(InitiateResult{
			PaymentID:   "pay-123",
			RedirectURL: "https://psp.example/pay/pay-123",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.Initiate(ctx, 30000, "CAT-20260831-000001", "http://localhost/api/payments/callback")
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	if res.PaymentID != "pay-123" {
		t.Fatalf("payment id = %s, want pay-123", res.PaymentID)
	}
	if res.RedirectURL == "" {
		t.Fatalf("redirect url is empty")
	}
}

func TestInitiate_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Initiate(context.Background(), 100, "CAT-20260831-000001", "")
	if err == nil {
		t.Fatalf("expected error for rejected payment")
	}
	if errors.Is(err, ErrUnknown) {
		t.Fatalf("explicit rejection must not be ErrUnknown: %v", err)
	}
}

func TestVerify_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		status PaymentStatus
	}{
		{"completed", StatusCompleted},
		{"failed", StatusFailed},
		{"pending", StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/payments/pay-1" {
					t.Fatalf("path = %s", r.URL.Path)
				}
				if r.URL.Query().Get("token") != "tok" {
					t.Fatalf("token = %s, want tok", r.URL.Query().Get("token"))
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(VerifyResult{
					PaymentID: "pay-1",
					Status:    tt.status,
					Amount:    500,
				})
			}))
			defer ts.Close()

			client := NewClient(ts.URL)

			res, err := client.Verify(context.Background(), "pay-1", "tok")
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if res.Status != tt.status {
				t.Fatalf("status = %s, want %s", res.Status, tt.status)
			}
			if res.Amount != 500 {
				t.Fatalf("amount = %d, want 500", res.Amount)
			}
		})
	}
}

func TestVerify_TimeoutIsUnknown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ответ дольше таймаута контекста.
		time.Sleep(300 * time.Millisecond)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Verify(ctx, "pay-1", "tok")
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("timeout must map to ErrUnknown, got %v", err)
	}
}

func TestVerify_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Verify(context.Background(), "missing", "tok")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestRefund_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payments/pay-9/refund" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RefundResult{RefundID: "ref-1", Amount: 200})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	res, err := client.Refund(context.Background(), "pay-9", 200)
	if err != nil {
		t.Fatalf("Refund error: %v", err)
	}
	if res.RefundID != "ref-1" {
		t.Fatalf("refund id = %s, want ref-1", res.RefundID)
	}
}
