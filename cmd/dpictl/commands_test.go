package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRecordGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/records/12345627", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"patient":{"id":3,"nss":"12345627","last_name":"Hamadache"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "--token", "tok", "record", "get", "12345627")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.EqualValues(t, 7, got["id"])
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "motdepasse" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc.def.ghi","id":1,"role":"nurse"}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "login", "--email", "nurse@example.dz", "--password", "motdepasse")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi\n", out)

	_, err = run(t, "--server", srv.URL, "login", "--email", "nurse@example.dz", "--password", "mauvais")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestLabFill_InvalidID(t *testing.T) {
	_, err := run(t, "lab", "fill", "abc")
	assert.ErrorContains(t, err, "invalid panel id")
}
