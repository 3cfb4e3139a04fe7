package turnstile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerify_PassesFormFields(t *testing.T) {
	var gotSecret, gotResponse, gotRemoteIP string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotRemoteIP = r.PostFormValue("remoteip")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := NewClient("ts-secret").WithEndpoint(server.URL)
	ok, err := client.Verify(context.Background(), "token-abc", "203.0.113.9")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected verification to pass")
	}
	if gotSecret != "ts-secret" || gotResponse != "token-abc" || gotRemoteIP != "203.0.113.9" {
		t.Fatalf("unexpected form fields: secret=%q response=%q remoteip=%q", gotSecret, gotResponse, gotRemoteIP)
	}
}

func TestVerify_FailureIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer server.Close()

	client := NewClient("ts-secret").WithEndpoint(server.URL)
	ok, err := client.Verify(context.Background(), "bad-token", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail")
	}
}

func TestVerify_Non200IsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient("ts-secret").WithEndpoint(server.URL)
	if _, err := client.Verify(context.Background(), "token", ""); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
