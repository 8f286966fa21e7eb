package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"receiptflow/pkg/extract"
	"receiptflow/pkg/parse"
	"receiptflow/pkg/pipeline"
	"receiptflow/pkg/store"
)

type stubExtractor struct {
	text       string
	previewRef string
	err        error
}

func (s *stubExtractor) Extract(ctx context.Context, ref string, ownerID uint) (extract.Result, error) {
	if s.err != nil {
		return extract.Result{}, s.err
	}
	return extract.Result{Text: s.text, PreviewRef: s.previewRef}, nil
}

type stubParser struct {
	fields parse.Fields
	err    error
}

func (s *stubParser) Parse(ctx context.Context, rawText string) (parse.Fields, error) {
	if s.err != nil {
		return parse.Fields{}, s.err
	}
	return s.fields, nil
}

// setupTest wires the package globals to a fresh sqlite database and stubbed
// pipeline collaborators, and returns a router with the full route set.
func setupTest(t *testing.T) (*gin.Engine, *stubExtractor, *stubParser) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := t.TempDir()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(base, "app.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	migrateModels(gdb)
	db = gdb
	objStore, err = store.New(filepath.Join(base, "objects"))
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	jwtSecret = []byte("test-secret")

	ext := &stubExtractor{text: "RAW TEXT"}
	par := &stubParser{}
	pipe = &pipeline.Pipeline{DB: gdb, Extractor: ext, Parser: par}

	r := gin.New()
	setupRoutes(r)
	return r, ext, par
}

func performRequest(r http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func registerAndLogin(t *testing.T, router http.Handler, username string) (token, forwardingAddress string) {
	t.Helper()
	w := performRequest(router, "POST", "/register",
		jsonBody(t, gin.H{"username": username, "password": "secret123"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
	var reg struct {
		ForwardingAddress string `json:"forwarding_address"`
	}
	decodeJSON(t, w, &reg)

	w = performRequest(router, "POST", "/login",
		jsonBody(t, gin.H{"username": username, "password": "secret123"}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	decodeJSON(t, w, &login)
	return login.Token, reg.ForwardingAddress
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// multipartUpload builds a form with one file part named "file".
func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}
