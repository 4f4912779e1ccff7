package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type seen struct {
	method, path, query, auth string
	body                      map[string]any
}

func fakeAPI(t *testing.T, status int, reply string) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.method, s.path, s.query = r.Method, r.URL.Path, r.URL.RawQuery
		s.auth = r.Header.Get("Authorization")
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &s.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	cases := []struct {
		name       string
		args       []string
		wantMethod string
		wantPath   string
		wantQuery  string
	}{
		{"status", []string{"status"}, http.MethodGet, "/api/status", ""},
		{"products", []string{"products"}, http.MethodGet, "/api/products", ""},
		{"force-check", []string{"force-check"}, http.MethodPost, "/api/check", ""},
		{"emergency-stop", []string{"emergency-stop"}, http.MethodPost, "/api/emergency-stop", ""},
		{"remove-product", []string{"remove-product", "https://shop.example/a"}, http.MethodDelete, "/api/products", "url=https%3A%2F%2Fshop.example%2Fa"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, s := fakeAPI(t, http.StatusOK, `{"success":true}`)
			out, err := run(t, append(tc.args, "--addr", srv.URL+"/api", "--token", "s3cret")...)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if s.method != tc.wantMethod || s.path != tc.wantPath || s.query != tc.wantQuery {
				t.Fatalf("request = %s %s?%s, want %s %s?%s", s.method, s.path, s.query, tc.wantMethod, tc.wantPath, tc.wantQuery)
			}
			if s.auth != "Bearer s3cret" {
				t.Fatalf("auth header = %q", s.auth)
			}
			if !strings.Contains(out, `"success": true`) {
				t.Fatalf("output not pretty JSON: %q", out)
			}
		})
	}
}

func TestAddProductSendsBody(t *testing.T) {
	srv, s := fakeAPI(t, http.StatusOK, `{"success":true}`)
	_, err := run(t, "add-product", "--addr", srv.URL, "--name", "Console", "--url", "https://shop.example/c", "--auto-checkout")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.path != "/products" || s.body["name"] != "Console" || s.body["autoCheckout"] != true {
		t.Fatalf("unexpected request %s %+v", s.path, s.body)
	}
	if s.auth != "" {
		t.Fatalf("no token configured, got %q", s.auth)
	}
}

func TestAddProductValidatesLocally(t *testing.T) {
	srv, s := fakeAPI(t, http.StatusOK, `{"success":true}`)
	if _, err := run(t, "add-product", "--addr", srv.URL, "--name", "x", "--url", "not a url"); err == nil {
		t.Fatal("expected validation error")
	}
	if s.method != "" {
		t.Fatal("invalid product should not reach the API")
	}
}

func TestAPIErrorCarriesReason(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusConflict, `{"success":false,"reason":"too_soon","error":"cycle spacing not elapsed"}`)
	_, err := run(t, "force-check", "--addr", srv.URL)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if ae.Status != http.StatusConflict || ae.Reason != "too_soon" {
		t.Fatalf("api error = %+v", ae)
	}
}

func TestNewAPIClientDefaults(t *testing.T) {
	c := NewAPIClient("", "", 0)
	if c.baseURL != "http://127.0.0.1:8080/api" || c.client.Timeout != 10*time.Second {
		t.Fatalf("defaults = %s %s", c.baseURL, c.client.Timeout)
	}
	c = NewAPIClient("http://host:1/api/", "t", time.Second)
	if c.baseURL != "http://host:1/api" {
		t.Fatalf("trailing slash kept: %s", c.baseURL)
	}
}
