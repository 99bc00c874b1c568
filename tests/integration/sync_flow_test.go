package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cjliu2003/writersroom/backend/internal/auth"
	"github.com/cjliu2003/writersroom/backend/internal/collab"
	"github.com/cjliu2003/writersroom/backend/internal/database"
	"github.com/cjliu2003/writersroom/backend/internal/document"
	"github.com/cjliu2003/writersroom/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	integrationSecret     = "integration-secret"
	integrationCookie     = "writersroom_session"
	integrationWriter     = "writer-abc"
	integrationDocumentID = "screenplay-1"
	jsonContentType       = "application/json"
)

type integrationStack struct {
	server *httptest.Server
	log    *document.UpdateLog
}

func newIntegrationStack(testContext *testing.T) integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	updateLog, err := document.NewUpdateLog(document.UpdateLogConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build update log: %v", err)
	}
	materializer, err := document.NewMaterializer(document.MaterializerConfig{Database: db, Log: updateLog, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build materializer: %v", err)
	}
	broadcaster := document.NewLocalBroadcaster()
	sessions, err := document.NewSessionManager(document.SessionManagerConfig{
		Log:         updateLog,
		Broadcaster: broadcaster,
		Loader:      collab.SnapshotLoader{Materializer: materializer},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build session manager: %v", err)
	}
	gateway, err := document.NewAutosaveGateway(document.AutosaveGatewayConfig{
		Database:    db,
		Log:         updateLog,
		Broadcaster: broadcaster,
		Apply:       sessions.ApplyExternal,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build autosave gateway: %v", err)
	}
	reconciler, err := document.NewReconciler(document.ReconcilerConfig{
		Materializer: materializer,
		Gateway:      gateway,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build reconciler: %v", err)
	}
	detector, err := document.NewDetector(document.DetectorConfig{
		Log:          updateLog,
		Materializer: materializer,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build divergence detector: %v", err)
	}
	access, err := collab.NewMembershipController(collab.MembershipControllerConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build membership controller: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "writersroom-sync",
		Audience:      "writersroom-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:  issuer,
		Access:       access,
		Sessions:     sessions,
		Materializer: materializer,
		Gateway:      gateway,
		Reconciler:   reconciler,
		Detector:     detector,
		Broadcaster:  broadcaster,
		Logger:       zap.NewNop(),
		CookieName:   integrationCookie,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return integrationStack{
		server: testServer,
		log:    updateLog,
	}
}

func (s integrationStack) mintToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	response, err := http.Post(s.server.URL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected non-empty access token")
	}
	return payload.AccessToken
}

func TestAutosaveSnapshotAndReconcileFlow(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	token := stack.mintToken(testContext, integrationWriter)

	// First autosave creates version one and makes the caller the owner.
	autosavePayload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"scene_heading","text":"INT. WRITERS ROOM - DAY"},{"id":"blk-2","kind":"action","text":"The team gathers."}]}`
	autosaveReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/"+integrationDocumentID+"/autosave", strings.NewReader(autosavePayload))
	autosaveReq.Header.Set("Authorization", "Bearer "+token)
	autosaveReq.Header.Set("Content-Type", jsonContentType)
	autosaveResp, err := http.DefaultClient.Do(autosaveReq)
	if err != nil {
		testContext.Fatalf("autosave request failed: %v", err)
	}
	defer autosaveResp.Body.Close()
	if autosaveResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected autosave status: %d", autosaveResp.StatusCode)
	}
	var autosaveResult struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(autosaveResp.Body).Decode(&autosaveResult); err != nil {
		testContext.Fatalf("failed to decode autosave response: %v", err)
	}
	if autosaveResult.Version != 1 {
		testContext.Fatalf("expected version 1, got %d", autosaveResult.Version)
	}

	// Cookie-based auth serves the snapshot.
	snapshotReq, _ := http.NewRequest(http.MethodGet, stack.server.URL+"/documents/"+integrationDocumentID+"/snapshot", nil)
	snapshotReq.AddCookie(&http.Cookie{Name: integrationCookie, Value: token})
	snapshotResp, err := http.DefaultClient.Do(snapshotReq)
	if err != nil {
		testContext.Fatalf("snapshot request failed: %v", err)
	}
	defer snapshotResp.Body.Close()
	if snapshotResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected snapshot status: %d", snapshotResp.StatusCode)
	}
	var snapshotResult struct {
		Version int64 `json:"version"`
		Blocks  []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"blocks"`
	}
	if err := json.NewDecoder(snapshotResp.Body).Decode(&snapshotResult); err != nil {
		testContext.Fatalf("failed to decode snapshot response: %v", err)
	}
	if snapshotResult.Version != 1 || len(snapshotResult.Blocks) != 2 {
		testContext.Fatalf("unexpected snapshot: %+v", snapshotResult)
	}

	// Reconcile an offline edit made against version one.
	reconcilePayload := `{
		"base_blocks":[{"id":"blk-1","kind":"scene_heading","text":"INT. WRITERS ROOM - DAY"},{"id":"blk-2","kind":"action","text":"The team gathers."}],
		"local_blocks":[{"id":"blk-1","kind":"scene_heading","text":"INT. WRITERS ROOM - DAY"},{"id":"blk-2","kind":"action","text":"The team gathers."},{"id":"blk-3","kind":"dialogue","text":"We open on a storm."}]
	}`
	reconcileReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/"+integrationDocumentID+"/reconcile", strings.NewReader(reconcilePayload))
	reconcileReq.Header.Set("Authorization", "Bearer "+token)
	reconcileReq.Header.Set("Content-Type", jsonContentType)
	reconcileResp, err := http.DefaultClient.Do(reconcileReq)
	if err != nil {
		testContext.Fatalf("reconcile request failed: %v", err)
	}
	defer reconcileResp.Body.Close()
	if reconcileResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected reconcile status: %d", reconcileResp.StatusCode)
	}
	var reconcileResult struct {
		State      string `json:"state"`
		NewVersion int64  `json:"new_version"`
	}
	if err := json.NewDecoder(reconcileResp.Body).Decode(&reconcileResult); err != nil {
		testContext.Fatalf("failed to decode reconcile response: %v", err)
	}
	if reconcileResult.State != "auto_merged" || reconcileResult.NewVersion != 2 {
		testContext.Fatalf("unexpected reconcile result: %+v", reconcileResult)
	}

	// Consistency check: replayed state must match the stored snapshot.
	consistencyReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/"+integrationDocumentID+"/consistency", nil)
	consistencyReq.Header.Set("Authorization", "Bearer "+token)
	consistencyResp, err := http.DefaultClient.Do(consistencyReq)
	if err != nil {
		testContext.Fatalf("consistency request failed: %v", err)
	}
	defer consistencyResp.Body.Close()
	if consistencyResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected consistency status: %d", consistencyResp.StatusCode)
	}
	var consistencyResult struct {
		Diverged bool `json:"diverged"`
	}
	if err := json.NewDecoder(consistencyResp.Body).Decode(&consistencyResult); err != nil {
		testContext.Fatalf("failed to decode consistency response: %v", err)
	}
	if consistencyResult.Diverged {
		testContext.Fatalf("expected consistent document, got %+v", consistencyResult)
	}
}

func TestStrangerIsDeniedAccessToOwnedDocument(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	ownerToken := stack.mintToken(testContext, integrationWriter)

	autosavePayload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"action","text":"private draft"}]}`
	autosaveReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/private-doc/autosave", strings.NewReader(autosavePayload))
	autosaveReq.Header.Set("Authorization", "Bearer "+ownerToken)
	autosaveReq.Header.Set("Content-Type", jsonContentType)
	autosaveResp, err := http.DefaultClient.Do(autosaveReq)
	if err != nil {
		testContext.Fatalf("autosave request failed: %v", err)
	}
	autosaveResp.Body.Close()
	if autosaveResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected autosave status: %d", autosaveResp.StatusCode)
	}

	strangerToken := stack.mintToken(testContext, "stranger-xyz")
	snapshotReq, _ := http.NewRequest(http.MethodGet, stack.server.URL+"/documents/private-doc/snapshot", nil)
	snapshotReq.Header.Set("Authorization", "Bearer "+strangerToken)
	snapshotResp, err := http.DefaultClient.Do(snapshotReq)
	if err != nil {
		testContext.Fatalf("snapshot request failed: %v", err)
	}
	snapshotResp.Body.Close()
	if snapshotResp.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected 403 for stranger, got %d", snapshotResp.StatusCode)
	}
}

func TestRealtimeEditAppearsInAutosaveConflictContent(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	token := stack.mintToken(testContext, integrationWriter)

	autosavePayload := `{"base_version":0,"blocks":[{"id":"blk-1","kind":"action","text":"draft before realtime"}]}`
	autosaveReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/live-doc/autosave", strings.NewReader(autosavePayload))
	autosaveReq.Header.Set("Authorization", "Bearer "+token)
	autosaveReq.Header.Set("Content-Type", jsonContentType)
	autosaveResp, err := http.DefaultClient.Do(autosaveReq)
	if err != nil {
		testContext.Fatalf("autosave request failed: %v", err)
	}
	autosaveResp.Body.Close()

	// Converge a realtime client against the document, then edit it.
	wsURL := strings.Replace(stack.server.URL, "http://", "ws://", 1) +
		"/documents/live-doc/sync?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	replica := document.NewReplica()
	syncState := replica.NewSyncState()
	frames := readSyncFrames(conn)
	converged := func() bool {
		blocks, err := replica.Blocks()
		if err != nil {
			return false
		}
		return len(blocks) == 1
	}
	exchangeSync(testContext, conn, syncState, frames, converged)

	edited, err := document.NewBlock("blk-2", document.BlockKindAction, "added over websocket")
	if err != nil {
		testContext.Fatalf("failed to build block: %v", err)
	}
	if err := replica.AppendBlock(edited); err != nil {
		testContext.Fatalf("failed to append block: %v", err)
	}
	persisted := func() bool {
		count, err := stack.log.CountActive(context.Background(), mustIntegrationDocumentID(testContext, "live-doc"))
		return err == nil && count >= 2
	}
	exchangeSync(testContext, conn, syncState, frames, persisted)

	// A stale autosave must now surface the realtime edit in its
	// conflict payload.
	staleReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/documents/live-doc/autosave",
		strings.NewReader(`{"base_version":0,"blocks":[{"id":"blk-1","kind":"action","text":"stale"}]}`))
	staleReq.Header.Set("Authorization", "Bearer "+token)
	staleReq.Header.Set("Content-Type", jsonContentType)
	staleResp, err := http.DefaultClient.Do(staleReq)
	if err != nil {
		testContext.Fatalf("stale autosave request failed: %v", err)
	}
	defer staleResp.Body.Close()
	if staleResp.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected conflict status, got %d", staleResp.StatusCode)
	}
	var conflict struct {
		CurrentVersion int64 `json:"current_version"`
		Blocks         []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"blocks"`
	}
	if err := json.NewDecoder(staleResp.Body).Decode(&conflict); err != nil {
		testContext.Fatalf("failed to decode conflict response: %v", err)
	}
	if conflict.CurrentVersion != 1 {
		testContext.Fatalf("unexpected current version: %d", conflict.CurrentVersion)
	}
	carried := false
	for _, block := range conflict.Blocks {
		if block.ID == "blk-2" && block.Text == "added over websocket" {
			carried = true
		}
	}
	if !carried {
		testContext.Fatalf("conflict content must include the realtime edit: %#v", conflict.Blocks)
	}
}

// readSyncFrames feeds inbound sync frame bodies into a channel so the
// exchange loop can time out without poisoning the connection's read
// deadline.
func readSyncFrames(conn *websocket.Conn) <-chan []byte {
	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage || len(payload) < 1 || payload[0] != 0x00 {
				continue
			}
			frames <- payload[1:]
		}
	}()
	return frames
}

// exchangeSync pumps the one-byte-prefixed sync frames until the
// condition holds.
func exchangeSync(testContext *testing.T, conn *websocket.Conn, syncState *automerge.SyncState, frames <-chan []byte, condition func() bool) {
	testContext.Helper()
	expiry := time.Now().Add(5 * time.Second)
	for time.Now().Before(expiry) {
		if condition() {
			return
		}
		for {
			message, valid := syncState.GenerateMessage()
			if !valid {
				break
			}
			frame := append([]byte{0x00}, message.Bytes()...)
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				testContext.Fatalf("failed to write sync frame: %v", err)
			}
		}
		select {
		case body, open := <-frames:
			if !open {
				testContext.Fatalf("websocket closed before sync converged")
			}
			if _, err := syncState.ReceiveMessage(body); err != nil {
				testContext.Fatalf("failed to receive sync message: %v", err)
			}
		case <-time.After(500 * time.Millisecond):
		}
	}
	if !condition() {
		testContext.Fatalf("sync did not converge before the deadline")
	}
}

func mustIntegrationDocumentID(testContext *testing.T, raw string) document.DocumentID {
	testContext.Helper()
	documentID, err := document.NewDocumentID(raw)
	if err != nil {
		testContext.Fatalf("invalid document id: %v", err)
	}
	return documentID
}
