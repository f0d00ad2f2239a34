package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"userstore/internal/export"
	"userstore/internal/importer"
	"userstore/internal/jobs"
	"userstore/internal/websocket"
)

func newTestServer(t *testing.T, handler importer.RowHandler) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store, err := jobs.NewStore(filepath.Join(dir, "user_imports"))
	require.NoError(t, err)
	exports, err := export.NewStore(filepath.Join(dir, "user_exports"), 2)
	require.NoError(t, err)

	hub := websocket.NewHub()
	go hub.Run()

	log := logrus.New()
	log.SetOutput(io.Discard)
	executor := jobs.NewExecutor(importer.NewFactory(handler), jobs.ExecutorOptions{Log: log})

	return NewServer(store, executor, exports, hub)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func uploadImport(t *testing.T, srv *Server, content, encoding string) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "users.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("encoding", encoding))
	require.NoError(t, mw.WriteField("scope", "tenant1"))
	require.NoError(t, mw.WriteField("label", "test upload"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	return decode(t, w)
}

func waitTerminal(t *testing.T, srv *Server, importID, reportID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+importID+"/reports/"+reportID+"/progress", nil)
		require.Equal(t, http.StatusOK, w.Code)
		state := decode(t, w)["state"].(string)
		if state == "finished" || state == "error" {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("report did not reach a terminal state")
	return ""
}

func TestImportLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	created := uploadImport(t, srv, "first,last\njane,doe\n", "utf-8")
	id := created["id"].(string)
	assert.Equal(t, "users.csv", created["filename"])
	assert.Equal(t, float64(2), created["rows"])
	assert.Equal(t, "tenant1", created["scope"])

	w := doJSON(t, srv, http.MethodGet, "/api/v1/imports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+id+"/content", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "first,last\njane,doe\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "users.csv")

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/imports/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportNotFoundResponses(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/imports/absent",
		"/api/v1/imports/absent/content",
		"/api/v1/imports/absent/reports/whatever",
	} {
		w := doJSON(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, "path %s", path)
	}
}

func TestCreateImportRejectsUnknownEncoding(t *testing.T) {
	srv := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "users.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("a\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("encoding", "klingon"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateImportRequiresFile(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/imports", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportRunLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	importID := uploadImport(t, srv, "first,last\njane,doe\n", "utf-8")["id"].(string)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	report := decode(t, w)
	reportID := report["id"].(string)
	assert.Equal(t, "waiting", report["state"])

	w = doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports/"+reportID+"/start",
		gin.H{"simulate": true, "user": "admin"})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	state := waitTerminal(t, srv, importID, reportID)
	assert.Equal(t, "finished", state)

	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	final := decode(t, w)
	assert.Equal(t, "finished", final["state"])
	assert.Equal(t, true, final["simulate"])
	assert.Equal(t, "admin", final["user"])
	summary := final["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["rows"])

	// A finished report cannot be started again.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports/"+reportID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Simulated and terminal, so deletable.
	w = doJSON(t, srv, http.MethodDelete, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportHandlerErrorsCounted(t *testing.T) {
	srv := newTestServer(t, func(line int, fields []string, simulate bool) error {
		return assert.AnError
	})

	importID := uploadImport(t, srv, "a\nb\n", "utf-8")["id"].(string)
	reportID := decode(t, doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports", nil))["id"].(string)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports/"+reportID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitTerminal(t, srv, importID, reportID)

	// Handler errors are counted per row; the run itself still finishes.
	w = doJSON(t, srv, http.MethodGet, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	final := decode(t, w)
	assert.Equal(t, "finished", final["state"])
	summary := final["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["errors"])
}

func TestDeleteCommittedReportRefused(t *testing.T) {
	srv := newTestServer(t, nil)

	importID := uploadImport(t, srv, "a\n", "utf-8")["id"].(string)
	reportID := decode(t, doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports", nil))["id"].(string)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports/"+reportID+"/start",
		gin.H{"simulate": false})
	require.Equal(t, http.StatusAccepted, w.Code)
	waitTerminal(t, srv, importID, reportID)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteWaitingReportRefused(t *testing.T) {
	srv := newTestServer(t, nil)

	importID := uploadImport(t, srv, "a\n", "utf-8")["id"].(string)
	reportID := decode(t, doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports", nil))["id"].(string)

	w := doJSON(t, srv, http.MethodDelete, "/api/v1/imports/"+importID+"/reports/"+reportID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExportLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	importID := uploadImport(t, srv, "a,b\n1,2\n", "utf-8")["id"].(string)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/exports", gin.H{"format": "csv"})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	exportID := decode(t, w)["id"].(string)

	var done bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(t, srv, http.MethodGet, "/api/v1/exports/"+exportID+"/progress", nil)
		require.Equal(t, http.StatusOK, w.Code)
		if d, ok := decode(t, w)["done"].(bool); ok && d {
			done = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, done, "export did not finish")

	w = doJSON(t, srv, http.MethodGet, "/api/v1/exports/"+exportID+"/content", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2, "header plus one import row")
	assert.Contains(t, lines[0], "import_id")
	assert.Contains(t, lines[1], importID)

	w = doJSON(t, srv, http.MethodDelete, "/api/v1/exports/"+exportID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodGet, "/api/v1/exports/"+exportID+"/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/exports", gin.H{"format": "pdf"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportContentBeforeDone(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	store, err := jobs.NewStore(filepath.Join(dir, "user_imports"))
	require.NoError(t, err)
	exports, err := export.NewStore(filepath.Join(dir, "user_exports"), 2)
	require.NoError(t, err)
	hub := websocket.NewHub()
	go hub.Run()
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := NewServer(store, jobs.NewExecutor(importer.NewFactory(nil), jobs.ExecutorOptions{Log: log}), exports, hub)

	// Allocate a job directly so no producer ever runs.
	job, err := exports.New(export.FormatCSV)
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/exports/"+job.ID+"/content", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, nil)

	uploadImport(t, srv, "a\n", "utf-8")
	importID := uploadImport(t, srv, "b\n", "utf-8")["id"].(string)
	doJSON(t, srv, http.MethodPost, "/api/v1/imports/"+importID+"/reports", nil)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, float64(2), stats["imports"])
	reports := stats["reports"].(map[string]interface{})
	assert.Equal(t, float64(1), reports["waiting"])
}
