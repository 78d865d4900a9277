package http

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"filedrop/access"
	"filedrop/model"
	"filedrop/registry"
	"filedrop/service"
	"filedrop/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr  = "127.0.0.1:50000"
	remoteAddr = "203.0.113.9:50000"
)

func newTestServer(t *testing.T, code string) *Server {
	t.Helper()
	logger := zerolog.Nop()
	files, err := store.New(&logger, t.TempDir())
	require.NoError(t, err)
	svc := service.NewService(service.Config{
		Sessions: registry.New(&logger),
		Files:    files,
		Guard:    access.NewGuard(code),
		Logger:   &logger,
	})
	return NewServer(Config{
		Logger:     &logger,
		Hub:        svc,
		ListenAddr: ":8000",
	})
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func upload(t *testing.T, srv *Server, fileName, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, fields, fileName, content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.RemoteAddr = remoteAddr
	return do(srv, req)
}

func TestInfo(t *testing.T) {
	srv := newTestServer(t, "1234")

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.RemoteAddr = adminAddr
	rec := do(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[InfoResponse](t, rec)
	assert.True(t, info.IsAdmin)
	assert.True(t, info.RequiresCode)
	assert.True(t, strings.HasPrefix(info.LanURL, "http://"))
	assert.True(t, strings.HasSuffix(info.LanURL, ":8000"))

	req = httptest.NewRequest(http.MethodGet, "/info", nil)
	req.RemoteAddr = remoteAddr
	info = decode[InfoResponse](t, do(srv, req))
	assert.False(t, info.IsAdmin)
}

func TestFilesRequireCode(t *testing.T) {
	srv := newTestServer(t, "1234")

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Detail)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/files?code=4321", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Query parameter form.
	rec = do(srv, httptest.NewRequest(http.MethodGet, "/files?code=1234", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[FilesResponse](t, rec).Files)

	// Header form.
	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set(codeHeader, "1234")
	require.Equal(t, http.StatusOK, do(srv, req).Code)
}

func TestUploadFetchDeleteRoundtrip(t *testing.T) {
	srv := newTestServer(t, "")

	rec := upload(t, srv, "notes.txt", "remember the milk", map[string]string{
		"name":      "Alice",
		"client_id": "devA",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[model.FileSummary](t, rec)
	assert.Equal(t, "notes.txt", summary.Name)
	assert.Equal(t, int64(17), summary.Size)

	files := decode[FilesResponse](t, do(srv, httptest.NewRequest(http.MethodGet, "/files", nil)))
	require.Len(t, files.Files, 1)
	assert.Equal(t, summary, files.Files[0])

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/files/notes.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "remember the milk", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	// Delete is admin-only.
	req := httptest.NewRequest(http.MethodDelete, "/files/notes.txt", nil)
	req.RemoteAddr = remoteAddr
	require.Equal(t, http.StatusForbidden, do(srv, req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/files/notes.txt", nil)
	req.RemoteAddr = adminAddr
	require.Equal(t, http.StatusNoContent, do(srv, req).Code)

	require.Equal(t, http.StatusNotFound, do(srv, httptest.NewRequest(http.MethodGet, "/files/notes.txt", nil)).Code)
}

func TestUploadResolvesCollisions(t *testing.T) {
	srv := newTestServer(t, "")

	first := decode[model.FileSummary](t, upload(t, srv, "a.txt", "one", nil))
	second := decode[model.FileSummary](t, upload(t, srv, "a.txt", "twoo", nil))
	assert.Equal(t, "a.txt", first.Name)
	assert.Equal(t, "a (1).txt", second.Name)

	files := decode[FilesResponse](t, do(srv, httptest.NewRequest(http.MethodGet, "/files", nil)))
	require.Len(t, files.Files, 2)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/files/"+url.PathEscape("a (1).txt"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "twoo", rec.Body.String())
}

func TestUploadRequiresCode(t *testing.T) {
	srv := newTestServer(t, "1234")

	rec := upload(t, srv, "secret.txt", "x", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Form-field code is accepted.
	rec = upload(t, srv, "secret.txt", "x", map[string]string{"code": "1234"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadWithoutFilePart(t *testing.T) {
	srv := newTestServer(t, "")

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("client_id", "devA"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Detail)
}

func TestSettings(t *testing.T) {
	srv := newTestServer(t, "")

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	initial := decode[SettingsResponse](t, rec)
	assert.NotEmpty(t, initial.SaveDir)

	next := t.TempDir()
	payload, err := json.Marshal(&SettingsRequest{SaveDir: &next})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(payload))
	req.RemoteAddr = remoteAddr
	require.Equal(t, http.StatusForbidden, do(srv, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(payload))
	req.RemoteAddr = adminAddr
	rec = do(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, next, decode[SettingsResponse](t, rec).SaveDir)
}

func TestSettingsCanEnableAccessCode(t *testing.T) {
	srv := newTestServer(t, "")

	code := "9999"
	payload, err := json.Marshal(&SettingsRequest{AccessCode: &code})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(payload))
	req.RemoteAddr = adminAddr
	require.Equal(t, http.StatusOK, do(srv, req).Code)

	require.Equal(t, http.StatusUnauthorized, do(srv, httptest.NewRequest(http.MethodGet, "/settings", nil)).Code)
	require.Equal(t, http.StatusOK, do(srv, httptest.NewRequest(http.MethodGet, "/settings?code=9999", nil)).Code)
}

func TestSaveDialog(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/settings/save-dialog", nil)
	req.RemoteAddr = remoteAddr
	require.Equal(t, http.StatusForbidden, do(srv, req).Code)

	// No picker wired in tests.
	req = httptest.NewRequest(http.MethodPost, "/settings/save-dialog", nil)
	req.RemoteAddr = adminAddr
	rec := do(srv, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "folder picker")
}
