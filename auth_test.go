package main

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRegisterLoginMe(t *testing.T) {
	router, _, _ := setupTest(t)

	token, addr := registerAndLogin(t, router, "alice")
	if !strings.Contains(addr, "@") || !strings.HasPrefix(addr, "alice-") {
		t.Errorf("forwarding address = %q", addr)
	}

	w := performRequest(router, "GET", "/me", nil, authHeader(token))
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var me struct {
		Username          string `json:"username"`
		ForwardingAddress string `json:"forwarding_address"`
	}
	decodeJSON(t, w, &me)
	if me.Username != "alice" || me.ForwardingAddress != addr {
		t.Errorf("me = %+v", me)
	}
}

func TestAuthRequired(t *testing.T) {
	router, _, _ := setupTest(t)

	for _, path := range []string{"/me", "/receipts", "/receipts/analytics"} {
		w := performRequest(router, "GET", path, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: %d, want 401", path, w.Code)
		}
	}
	w := performRequest(router, "GET", "/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: %d, want 401", w.Code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	router, _, _ := setupTest(t)
	registerAndLogin(t, router, "bob")

	w := performRequest(router, "POST", "/register",
		jsonBody(t, gin.H{"username": "bob", "password": "secret123"}), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: %d, want 409", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	router, _, _ := setupTest(t)

	w := performRequest(router, "POST", "/register",
		jsonBody(t, gin.H{"username": "carol", "password": "short"}), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("short password: %d", w.Code)
	}
	w = performRequest(router, "POST", "/register",
		jsonBody(t, gin.H{"username": "carol"}), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing password: %d", w.Code)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	router, _, _ := setupTest(t)
	registerAndLogin(t, router, "dave")

	w := performRequest(router, "POST", "/login",
		jsonBody(t, gin.H{"username": "dave", "password": "wrongpass"}), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d, want 401", w.Code)
	}
}

func TestIsUniqueConstraintError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: duplicate key value violates unique constraint"), true},
		{errors.New("constraint failed: UNIQUE constraint failed: processed_messages.fingerprint"), true},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := isUniqueConstraintError(c.err); got != c.want {
			t.Errorf("isUniqueConstraintError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
