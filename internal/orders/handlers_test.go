package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/peerdesk/peerdesk/internal/ads"
)

// newTestRouter wires the handler behind a stub auth middleware that
// reads the actor from the X-Actor-ID header.
func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	v1 := r.Group("/v1")
	protected := r.Group("/v1")
	protected.Use(func(c *gin.Context) {
		c.Set("actorID", c.GetHeader("X-Actor-ID"))
		c.Next()
	})

	h := NewHandler(svc)
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(protected)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func TestHandler_OpenOrder(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)
	ad := env.postAd(t, ads.SideSell, "alice")

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "bob", gin.H{"adId": ad.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}

	var resp struct {
		Order Order `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.BuyerID != "bob" || resp.Order.Status != StatusPending {
		t.Errorf("unexpected order: %+v", resp.Order)
	}
}

func TestHandler_OpenOrder_Errors(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)
	ad := env.postAd(t, ads.SideSell, "alice")

	tests := []struct {
		name     string
		actor    string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing adId", "bob", gin.H{}, http.StatusBadRequest, "invalid_request"},
		{"unknown ad", "bob", gin.H{"adId": "ad_missing"}, http.StatusNotFound, "not_found"},
		{"own ad", "alice", gin.H{"adId": ad.ID}, http.StatusConflict, "self_trade"},
		{"no actor", "", gin.H{"adId": ad.ID}, http.StatusForbidden, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/v1/orders", tt.actor, tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestHandler_OpenOrder_FulfilledAd(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)

	ad := env.postAd(t, ads.SideSell, "alice")
	if err := env.ads.MarkFulfilled(context.Background(), ad.ID); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "bob", gin.H{"adId": ad.ID})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if got := errorCode(t, w); got != "invalid_state" {
		t.Errorf("error = %q, want invalid_state", got)
	}
}

func TestHandler_GetOrder(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)

	ad := env.postAd(t, ads.SideSell, "alice")
	order, err := env.svc.Open(context.Background(), ad.ID, "bob")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/orders/"+order.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/v1/orders/ord_missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler_TransitionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)

	openOrder := func(t *testing.T) *Order {
		ad := env.postAd(t, ads.SideSell, "alice")
		order, err := env.svc.Open(context.Background(), ad.ID, "bob")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return order
	}

	t.Run("buyer pays then seller releases", func(t *testing.T) {
		order := openOrder(t)

		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/paid", order.ID), "bob", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("paid status = %d (body %s)", w.Code, w.Body.String())
		}

		w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/release", order.ID), "alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("release status = %d (body %s)", w.Code, w.Body.String())
		}

		var resp struct {
			Order Order `json:"order"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Order.Status != StatusReleased {
			t.Errorf("status = %s, want released", resp.Order.Status)
		}
	})

	t.Run("seller cannot mark paid", func(t *testing.T) {
		order := openOrder(t)

		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/paid", order.ID), "alice", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
		if got := errorCode(t, w); got != "invalid_state" {
			t.Errorf("error = %q, want invalid_state", got)
		}
	})

	t.Run("non-party is rejected", func(t *testing.T) {
		order := openOrder(t)

		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/cancel", order.ID), "mallory", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		if got := errorCode(t, w); got != "unauthorized" {
			t.Errorf("error = %q, want unauthorized", got)
		}
	})

	t.Run("dispute from paid", func(t *testing.T) {
		order := openOrder(t)

		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/paid", order.ID), "bob", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("paid status = %d", w.Code)
		}
		w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/dispute", order.ID), "alice", nil)
		if w.Code != http.StatusOK {
			t.Errorf("dispute status = %d (body %s)", w.Code, w.Body.String())
		}
	})

	t.Run("terminal order conflicts", func(t *testing.T) {
		order := openOrder(t)

		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/cancel", order.ID), "bob", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("cancel status = %d", w.Code)
		}
		w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/orders/%s/paid", order.ID), "bob", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/v1/orders/ord_missing/cancel", "bob", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestHandler_ListMyOrders(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(env.svc)

	ad := env.postAd(t, ads.SideSell, "alice")
	if _, err := env.svc.Open(context.Background(), ad.ID, "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/orders", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Orders []*Order `json:"orders"`
		Count  int      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Orders) != 1 {
		t.Errorf("count = %d, orders = %d, want 1 each", resp.Count, len(resp.Orders))
	}
}
