package duoplus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]string)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		handler(w, r, body)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, APIKey: "key-1", RequestsPerSecond: 1000})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestCommand(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		if r.URL.Path != commandPath || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("DuoPlus-API-Key") != "key-1" {
			t.Errorf("api key header = %q", r.Header.Get("DuoPlus-API-Key"))
		}
		if body["image_id"] != "dev-1" || body["command"] != "echo ok" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"code":200,"message":"ok","data":{"success":true,"content":"ok\n"}}`))
	})

	res, err := c.Command(context.Background(), "dev-1", "echo ok")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !res.Success || res.Content != "ok\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandAPIError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		_, _ = w.Write([]byte(`{"code":40102,"message":"device offline"}`))
	})
	_, err := c.Command(context.Background(), "dev-1", "echo ok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 40102 {
		t.Fatalf("err = %v, want APIError 40102", err)
	}
}

func TestCommandBadBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})
	if _, err := c.Command(context.Background(), "dev-1", "echo ok"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBindProxy(t *testing.T) {
	var got map[string]string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		if r.URL.Path != bindProxyPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		got = body
		_, _ = w.Write([]byte(`{"code":200,"message":"ok","data":null}`))
	})
	if err := c.BindProxy(context.Background(), "dev-1", "prov-9"); err != nil {
		t.Fatalf("BindProxy: %v", err)
	}
	if got["image_id"] != "dev-1" || got["proxy_id"] != "prov-9" {
		t.Errorf("body = %v", got)
	}
}
