package api

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkratochvila/verify-go-rewrite/internal/config"
	"github.com/tkratochvila/verify-go-rewrite/internal/service"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.ReportArchiveDir = filepath.Join(dir, "archiveReports")
	cfg.FileArchiveDir = filepath.Join(dir, "archiveFiles")
	cfg.WorkspaceRoot = filepath.Join(dir, "workspaces")
	cfg.ObserverTick = 10 * time.Millisecond
	cfg.ExpirationInterval = 10 * time.Millisecond

	kit := toolkit.NewToolKit()
	tool := toolkit.NewTool("shelltool", "/usr/bin/env", "", false)
	tool.AddCategory("ltl")
	kit.Insert(tool)

	svc, err := service.New(cfg, kit, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return NewServer(svc, nil, "127.0.0.1:0")
}

func do(t *testing.T, s *Server, headers map[string]string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(http.MethodPost, "/", body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func createWorkspace(t *testing.T, s *Server) string {
	t.Helper()
	rec := do(t, s, map[string]string{"type": "workspace", "cmd": "new", "tool": "shelltool"}, nil, "")
	require.Equal(t, "OK", rec.Header().Get("Status"), rec.Body.String())
	m := regexp.MustCompile(`id:(\S+)`).FindStringSubmatch(rec.Body.String())
	require.NotNil(t, m, "workspace id missing in %q", rec.Body.String())
	return m[1]
}

func uploadFile(t *testing.T, s *Server, wsID, name string, content []byte) string {
	t.Helper()
	body, ct := multipartBody(t, name, content)
	rec := do(t, s, map[string]string{"type": "upload", "workspace": wsID}, body, ct)
	m := regexp.MustCompile(`id:(\d+)`).FindStringSubmatch(rec.Body.String())
	require.NotNil(t, m, "file id missing in %q", rec.Body.String())
	return m[1]
}

func verifyPayload(fileID string) []byte {
	return []byte(fmt.Sprintf(`<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
    xmlns:oslc_auto="http://open-services.net/ns/auto#"
    xmlns:dcterms="http://purl.org/dc/terms/">
  <oslc_auto:AutomationPlan rdf:about="http://example.com/autoplans/demo">
    <oslc_auto:usesExecutionEnvironment rdf:resource="http://example.com/tools/shelltool"/>
    <oslc_auto:parameterDefinition>
      <dcterms:title>CallSchemaSignature</dcterms:title>
      <rdf:value>p0,p1,p2,i0</rdf:value>
    </oslc_auto:parameterDefinition>
    <oslc_auto:parameterDefinition>
      <dcterms:title>CallParameters</dcterms:title>
      <rdf:Seq><rdf:li>sh</rdf:li><rdf:li>-c</rdf:li><rdf:li>cat in.c</rdf:li></rdf:Seq>
    </oslc_auto:parameterDefinition>
    <oslc_auto:parameterDefinition>
      <dcterms:title>InputFiles</dcterms:title>
      <rdf:Seq><rdf:li>%s</rdf:li></rdf:Seq>
    </oslc_auto:parameterDefinition>
  </oslc_auto:AutomationPlan>
</rdf:RDF>`, fileID))
}

func TestWorkspaceLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, map[string]string{"type": "workspace", "cmd": "new", "tool": "shelltool"}, nil, "")
	assert.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Workspace successfully created.")

	id := regexp.MustCompile(`id:(\S+)`).FindStringSubmatch(rec.Body.String())[1]

	rec = do(t, s, map[string]string{"type": "workspace", "cmd": "destroy", "workspace": id}, nil, "")
	assert.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Workspace "+id+" destroyed.")
}

func TestWorkspaceCreationUnknownTool(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, map[string]string{"type": "workspace", "cmd": "new", "tool": "ghost"}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Workspace creation failed:")
}

func TestUploadAndDedup(t *testing.T) {
	s := newTestServer(t)
	wsID := createWorkspace(t, s)

	body, ct := multipartBody(t, "a.c", []byte("hello"))
	rec := do(t, s, map[string]string{"type": "upload", "workspace": wsID}, body, ct)
	assert.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "File successfully uploaded under id:")

	body, ct = multipartBody(t, "b.c", []byte("hello"))
	rec = do(t, s, map[string]string{"type": "upload", "workspace": wsID}, body, ct)
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "File already stored under id:")
}

func TestUploadUnknownWorkspace(t *testing.T) {
	s := newTestServer(t)
	body, ct := multipartBody(t, "a.c", []byte("x"))
	rec := do(t, s, map[string]string{"type": "upload", "workspace": "nope"}, body, ct)
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Error:")
}

func TestVerifyMonitorKillRoundtrip(t *testing.T) {
	s := newTestServer(t)
	wsID := createWorkspace(t, s)
	fileID := uploadFile(t, s, wsID, "in.c", []byte("int main;"))

	body, ct := multipartBody(t, "request.xml", verifyPayload(fileID))
	rec := do(t, s, map[string]string{"type": "verify", "workspace": wsID}, body, ct)
	require.Equal(t, "OK", rec.Header().Get("Status"), rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Verification successfully started.")

	m := regexp.MustCompile(`report n\. (\d+)`).FindStringSubmatch(rec.Body.String())
	require.NotNil(t, m)
	reportID := m[1]

	// Identical verify is answered from the archive, no second run.
	body, ct = multipartBody(t, "request.xml", verifyPayload(fileID))
	rec = do(t, s, map[string]string{"type": "verify", "workspace": wsID}, body, ct)
	require.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Verification result already known.")
	assert.Contains(t, rec.Body.String(), reportID)

	deadline := time.Now().Add(5 * time.Second)
	var doc string
	for time.Now().Before(deadline) {
		rec = do(t, s, map[string]string{"type": "monitor", "workspace": wsID, "id": reportID}, nil, "")
		require.Equal(t, "OK", rec.Header().Get("Status"), rec.Body.String())
		doc = rec.Body.String()
		if strings.Contains(doc, "Verification finished.") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, doc, "rdf:RDF")
	assert.Contains(t, doc, "Process ID")
	assert.Contains(t, doc, "int main;", "stdout of cat must appear")

	// Kill after completion is accepted (process already gone).
	rec = do(t, s, map[string]string{"type": "query", "cmd": "kill " + reportID, "workspace": wsID}, nil, "")
	assert.Equal(t, "OK", rec.Header().Get("Status"), rec.Body.String())
}

func TestMonitorDeniedForForeignReport(t *testing.T) {
	s := newTestServer(t)
	wsID := createWorkspace(t, s)

	rec := do(t, s, map[string]string{"type": "monitor", "workspace": wsID, "id": "4242"}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Error:")
}

func TestQueryAvailability(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, map[string]string{"type": "query", "cmd": "availability"}, nil, "")
	assert.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "ltl yes")
	assert.Contains(t, rec.Body.String(), " - shelltool yes")
}

func TestQueryWithoutCmd(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, map[string]string{"type": "query"}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Equal(t, "No query specified.", rec.Body.String())
}

func TestQueryUnmatchedCmd(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, map[string]string{"type": "query", "cmd": "teleport"}, nil, "")
	assert.Equal(t, "OK", rec.Header().Get("Status"))
	assert.Empty(t, rec.Body.String())
}

func TestQueryKillErrors(t *testing.T) {
	s := newTestServer(t)
	wsID := createWorkspace(t, s)

	rec := do(t, s, map[string]string{"type": "query", "cmd": "kill", "workspace": wsID}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "No report to kill specified.")

	rec = do(t, s, map[string]string{"type": "query", "cmd": "kill abc", "workspace": wsID}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Could not read the report number.")

	rec = do(t, s, map[string]string{"type": "query", "cmd": "kill 123", "workspace": wsID}, nil, "")
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Contains(t, rec.Body.String(), "Error:")
}

func TestMalformedRequests(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"no type", map[string]string{}},
		{"unknown type", map[string]string{"type": "teleport"}},
		{"monitor without id", map[string]string{"type": "monitor", "workspace": "w"}},
		{"monitor junk id", map[string]string{"type": "monitor", "workspace": "w", "id": "xyz"}},
		{"upload without body", map[string]string{"type": "upload", "workspace": "w"}},
		{"verify without workspace", map[string]string{"type": "verify"}},
		{"workspace without cmd", map[string]string{"type": "workspace"}},
		{"workspace new without tool", map[string]string{"type": "workspace", "cmd": "new"}},
		{"workspace destroy without id", map[string]string{"type": "workspace", "cmd": "destroy"}},
		{"query kill without workspace", map[string]string{"type": "query", "cmd": "kill 1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.headers, nil, "")
			assert.Equal(t, "NOK", rec.Header().Get("Status"))
			assert.Equal(t, "Request unrecognised.", rec.Body.String())
		})
	}
}

func TestNonPostRejected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "NOK", rec.Header().Get("Status"))
	assert.Equal(t, "Request unrecognised.", rec.Body.String())
}
