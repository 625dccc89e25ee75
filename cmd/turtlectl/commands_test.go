package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordedRequest struct {
	method string
	uri    string
}

func runCmd(t *testing.T, status int, args ...string) (string, []recordedRequest, error) {
	t.Helper()
	var seen []recordedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, recordedRequest{method: r.Method, uri: r.URL.RequestURI()})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api", ts.URL + "/"}, args...))
	err := root.Execute()
	return out.String(), seen, err
}

func TestAPICommands(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		uri    string
	}{
		{"list", []string{"list"}, http.MethodGet, "/api/contexts"},
		{"show", []string{"show", "btcusdt"}, http.MethodGet, "/api/contexts/BTCUSDT"},
		{"subscribe", []string{"subscribe", "ETHUSDT"}, http.MethodPost, "/api/contexts/ETHUSDT"},
		{"unsubscribe", []string{"unsubscribe", "ETHUSDT"}, http.MethodDelete, "/api/contexts/ETHUSDT"},
		{"unsubscribe forced", []string{"unsubscribe", "--force", "ETHUSDT"}, http.MethodDelete, "/api/contexts/ETHUSDT?force=true"},
		{"refresh", []string{"refresh", "BTCUSDT"}, http.MethodPost, "/api/contexts/BTCUSDT/refresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, seen, err := runCmd(t, http.StatusOK, tt.args...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(seen) != 1 {
				t.Fatalf("Expected 1 request, got %d", len(seen))
			}
			if seen[0].method != tt.method || seen[0].uri != tt.uri {
				t.Errorf("Expected %s %s, got %s %s", tt.method, tt.uri, seen[0].method, seen[0].uri)
			}
			if !strings.Contains(out, `"success": true`) {
				t.Errorf("Expected indented response body, got %q", out)
			}
		})
	}
}

func TestAPICommandFailureStatus(t *testing.T) {
	_, _, err := runCmd(t, http.StatusConflict, "unsubscribe", "BTCUSDT")
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Errorf("Expected status 409 error, got %v", err)
	}
}

func TestSymbolArgumentRequired(t *testing.T) {
	for _, name := range []string{"show", "subscribe", "unsubscribe", "refresh", "levels"} {
		t.Run(name, func(t *testing.T) {
			_, seen, err := runCmd(t, http.StatusOK, name)
			if err == nil {
				t.Error("Expected an argument error")
			}
			if len(seen) != 0 {
				t.Errorf("Expected no request, got %d", len(seen))
			}
		})
	}
}

func TestSampleConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, _, err := runCmd(t, http.StatusOK, "sample-config", path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected sample config to be written: %v", err)
	}
}
