package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cjliu2003/writersroom/backend/internal/document"
)

func TestIssueTokenReturnsValidBearerToken(t *testing.T) {
	deps := newTestHandler(t)

	body := bytes.NewBufferString(`{"user_id":"user-1"}`)
	request := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.AccessToken == "" {
		t.Fatal("expected non-empty access token")
	}
	if response.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %q", response.TokenType)
	}
	subject, err := deps.issuer.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("unexpected subject: %q", subject)
	}
}

func TestIssueTokenRejectsEmptyUserID(t *testing.T) {
	deps := newTestHandler(t)

	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{"user_id":"  "}`))
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestProtectedEndpointsRequireBearerToken(t *testing.T) {
	deps := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1/snapshot", http.NoBody)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestSnapshotEndpointReturnsStoredContent(t *testing.T) {
	deps := newTestHandler(t)
	documentID := mustDocumentID(t, "doc-snapshot")
	blocks := []document.Block{mustBlock(t, "blk-1", "INT. WRITERS ROOM - DAY")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 0, blocks); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	token := mustToken(t, deps.issuer, "user-1")
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-snapshot/snapshot", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response snapshotResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.DocumentID != "doc-snapshot" {
		t.Fatalf("unexpected document id: %q", response.DocumentID)
	}
	if response.Version != 1 {
		t.Fatalf("unexpected version: %d", response.Version)
	}
	if len(response.Blocks) != 1 || response.Blocks[0].Text != "INT. WRITERS ROOM - DAY" {
		t.Fatalf("unexpected blocks: %+v", response.Blocks)
	}
}

func TestSnapshotEndpointMaterializesUnknownDocument(t *testing.T) {
	deps := newTestHandler(t)

	token := mustToken(t, deps.issuer, "user-1")
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-fresh/snapshot", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response snapshotResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Blocks) != 0 {
		t.Fatalf("expected empty blocks, got %+v", response.Blocks)
	}
}

func TestAutosaveCreatesFirstVersion(t *testing.T) {
	deps := newTestHandler(t)

	token := mustToken(t, deps.issuer, "user-1")
	payload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"scene_heading","text":"INT. STAGE - NIGHT"}]}`
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-auto/autosave", bytes.NewBufferString(payload))
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response snapshotResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Version != 1 {
		t.Fatalf("unexpected version: %d", response.Version)
	}
}

func TestAutosaveStaleBaseVersionReturnsConflict(t *testing.T) {
	deps := newTestHandler(t)
	documentID := mustDocumentID(t, "doc-conflict")
	seeded := []document.Block{mustBlock(t, "blk-1", "current draft")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 0, seeded); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	token := mustToken(t, deps.issuer, "user-1")
	payload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"action","text":"stale draft"}]}`
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-conflict/autosave", bytes.NewBufferString(payload))
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response autosaveConflictPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Error != "version_conflict" {
		t.Fatalf("unexpected error code: %q", response.Error)
	}
	if response.CurrentVersion != 1 {
		t.Fatalf("unexpected current version: %d", response.CurrentVersion)
	}
	if len(response.Blocks) != 1 || response.Blocks[0].Text != "current draft" {
		t.Fatalf("unexpected blocks: %+v", response.Blocks)
	}
}

func TestAutosaveRejectsUnknownBlockKind(t *testing.T) {
	deps := newTestHandler(t)

	token := mustToken(t, deps.issuer, "user-1")
	payload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"marginalia","text":"x"}]}`
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-bad/autosave", bytes.NewBufferString(payload))
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestReconcileAutoMergesOfflineEdit(t *testing.T) {
	deps := newTestHandler(t)
	documentID := mustDocumentID(t, "doc-reconcile")
	base := []document.Block{mustBlock(t, "blk-1", "shared opening")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 0, base); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	token := mustToken(t, deps.issuer, "user-1")
	payload := `{
		"base_blocks":[{"id":"blk-1","kind":"action","text":"shared opening"}],
		"local_blocks":[{"id":"blk-1","kind":"action","text":"shared opening"},{"id":"blk-2","kind":"action","text":"written offline"}]
	}`
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-reconcile/reconcile", bytes.NewBufferString(payload))
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response reconcileResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.State != "auto_merged" {
		t.Fatalf("unexpected state: %q", response.State)
	}
	if response.NewVersion != 2 {
		t.Fatalf("unexpected new version: %d", response.NewVersion)
	}
	if len(response.Merged) != 2 {
		t.Fatalf("unexpected merged blocks: %+v", response.Merged)
	}
}

func TestReconcileReportsConflicts(t *testing.T) {
	deps := newTestHandler(t)
	documentID := mustDocumentID(t, "doc-contested")
	base := []document.Block{mustBlock(t, "blk-1", "original line")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 0, base); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	online := []document.Block{mustBlock(t, "blk-1", "edited online")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 1, online); err != nil {
		t.Fatalf("failed to advance document: %v", err)
	}

	token := mustToken(t, deps.issuer, "user-1")
	payload := `{
		"base_blocks":[{"id":"blk-1","kind":"action","text":"original line"}],
		"local_blocks":[{"id":"blk-1","kind":"action","text":"edited offline"}]
	}`
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-contested/reconcile", bytes.NewBufferString(payload))
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response reconcileResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.State != "conflict_pending" {
		t.Fatalf("unexpected state: %q", response.State)
	}
	if len(response.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", response.Conflicts)
	}
	conflict := response.Conflicts[0]
	if conflict.Local == nil || conflict.Local.Text != "edited offline" {
		t.Fatalf("unexpected local side: %+v", conflict.Local)
	}
	if conflict.Server == nil || conflict.Server.Text != "edited online" {
		t.Fatalf("unexpected server side: %+v", conflict.Server)
	}
}

func TestConsistencyEndpointReportsCleanDocument(t *testing.T) {
	deps := newTestHandler(t)
	documentID := mustDocumentID(t, "doc-clean")
	blocks := []document.Block{mustBlock(t, "blk-1", "steady state")}
	if _, err := deps.gateway.Update(context.Background(), documentID, 0, blocks); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	token := mustToken(t, deps.issuer, "user-1")
	request := httptest.NewRequest(http.MethodPost, "/documents/doc-clean/consistency", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	deps.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response consistencyResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Diverged {
		t.Fatalf("expected clean report, got %+v", response)
	}
	if response.LiveChecksum != response.SnapshotChecksum {
		t.Fatalf("expected matching checksums, got %q vs %q", response.LiveChecksum, response.SnapshotChecksum)
	}
}
