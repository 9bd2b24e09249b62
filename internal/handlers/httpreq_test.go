package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tevix/nodeflow/pkg/schema"
)

func execHTTP(t *testing.T, config, input map[string]any) *Result {
	t.Helper()
	result, err := NewHTTPRequest(HTTPConfig{}).Execute(context.Background(), Request{
		Config: config,
		Input:  input,
	})
	if err != nil {
		t.Fatalf("http request: %v", err)
	}
	return result
}

func TestHTTPRequestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("X-Request-Source"); got != "nodeflow" {
			t.Errorf("X-Request-Source = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "available", "seats": 12})
	}))
	defer srv.Close()

	result := execHTTP(t, map[string]any{
		"url":     srv.URL + "/flights/{{data.flight_id}}",
		"headers": map[string]any{"X-Request-Source": "nodeflow"},
	}, map[string]any{"data": map[string]any{"flight_id": "FL123"}})

	data, _ := result.Output["data"].(map[string]any)
	if data["status_code"] != 200 {
		t.Errorf("status_code = %v, want 200", data["status_code"])
	}
	body, ok := data["body"].(map[string]any)
	if !ok {
		t.Fatalf("body = %T, want parsed JSON object", data["body"])
	}
	if body["status"] != "available" {
		t.Errorf("body = %v", body)
	}
}

func TestHTTPRequestPostBodySubstitution(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	result := execHTTP(t, map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"pnr": "{{data.pnr}}", "action": "confirm"},
	}, map[string]any{"data": map[string]any{"pnr": "ABC123"}})

	data, _ := result.Output["data"].(map[string]any)
	if data["status_code"] != 201 {
		t.Errorf("status_code = %v, want 201", data["status_code"])
	}
	if received["pnr"] != "ABC123" || received["action"] != "confirm" {
		t.Errorf("server received %v", received)
	}
}

func TestHTTPRequestFormEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("form = %v", r.Form)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	execHTTP(t, map[string]any{
		"url":           srv.URL,
		"method":        "POST",
		"body_encoding": "form",
		"body":          map[string]any{"grant_type": "client_credentials"},
	}, map[string]any{})
}

func TestHTTPRequestAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sesame" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	execHTTP(t, map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "sesame"},
	}, map[string]any{})
}

func TestHTTPRequestNoFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	result := execHTTP(t, map[string]any{
		"url":              srv.URL,
		"follow_redirects": false,
	}, map[string]any{})

	data, _ := result.Output["data"].(map[string]any)
	if data["status_code"] != 302 {
		t.Errorf("status_code = %v, want the unfollowed 302", data["status_code"])
	}
}

func TestHTTPRequestFailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	// Without the flag an error status is still a successful node result.
	result := execHTTP(t, map[string]any{"url": srv.URL}, map[string]any{})
	data, _ := result.Output["data"].(map[string]any)
	if data["status_code"] != 502 {
		t.Errorf("status_code = %v, want 502", data["status_code"])
	}

	_, err := NewHTTPRequest(HTTPConfig{}).Execute(context.Background(), Request{
		Config: map[string]any{"url": srv.URL, "fail_on_error_status": true},
		Input:  map[string]any{},
	})
	if schema.CodeOf(err) != schema.ErrCodeHandler {
		t.Errorf("code = %s, want %s", schema.CodeOf(err), schema.ErrCodeHandler)
	}
	var flowErr *schema.FlowError
	if schema.AsFlowError(err, &flowErr) {
		if flowErr.Details["status_code"] != 502 {
			t.Errorf("details = %v, want status_code 502", flowErr.Details)
		}
	}
}

func TestHTTPRequestValidation(t *testing.T) {
	h := NewHTTPRequest(HTTPConfig{})
	for name, config := range map[string]map[string]any{
		"missing url": {},
		"bad scheme":  {"url": "ftp://example.com/file"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), Request{Config: config, Input: map[string]any{}})
			if schema.CodeOf(err) != schema.ErrCodeValidation {
				t.Errorf("code = %s, want %s", schema.CodeOf(err), schema.ErrCodeValidation)
			}
		})
	}
}
