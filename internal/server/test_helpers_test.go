package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cjliu2003/writersroom/backend/internal/auth"
	"github.com/cjliu2003/writersroom/backend/internal/document"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&document.UpdateRecord{}, &document.SnapshotRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type testDeps struct {
	database     *gorm.DB
	log          *document.UpdateLog
	materializer *document.Materializer
	gateway      *document.AutosaveGateway
	sessions     *document.SessionManager
	issuer       *auth.TokenIssuer
	broadcaster  *document.LocalBroadcaster
	handler      http.Handler
}

func newTestHandler(t *testing.T) testDeps {
	t.Helper()
	return newTestHandlerWithRelay(t, false)
}

func newTestHandlerWithRelay(t *testing.T, withRelay bool) testDeps {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDatabase(t)
	log, err := document.NewUpdateLog(document.UpdateLogConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct update log: %v", err)
	}
	materializer, err := document.NewMaterializer(document.MaterializerConfig{Database: db, Log: log, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct materializer: %v", err)
	}
	broadcaster := document.NewLocalBroadcaster()
	gateway, err := document.NewAutosaveGateway(document.AutosaveGatewayConfig{
		Database:    db,
		Log:         log,
		Broadcaster: broadcaster,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct autosave gateway: %v", err)
	}
	reconciler, err := document.NewReconciler(document.ReconcilerConfig{
		Materializer: materializer,
		Gateway:      gateway,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	detector, err := document.NewDetector(document.DetectorConfig{
		Log:          log,
		Materializer: materializer,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct divergence detector: %v", err)
	}
	sessions, err := document.NewSessionManager(document.SessionManagerConfig{
		Log:         log,
		Broadcaster: broadcaster,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "writersroom-sync",
		Audience:      "writersroom-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	var relay *document.RelayBroadcaster
	if withRelay {
		relay = document.NewRelayBroadcaster(document.RelayBroadcasterConfig{
			Local: broadcaster,
			Apply: func(ctx context.Context, documentID string, payload []byte) error {
				return sessions.ApplyExternal(ctx, documentID, payload)
			},
			Logger: zap.NewNop(),
		})
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenIssuer:  issuer,
		Sessions:     sessions,
		Materializer: materializer,
		Gateway:      gateway,
		Reconciler:   reconciler,
		Detector:     detector,
		Broadcaster:  broadcaster,
		Relay:        relay,
		Logger:       zap.NewNop(),
		CookieName:   "writersroom_session",
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return testDeps{
		database:     db,
		log:          log,
		materializer: materializer,
		gateway:      gateway,
		sessions:     sessions,
		issuer:       issuer,
		broadcaster:  broadcaster,
		handler:      handler,
	}
}

func mustToken(t *testing.T, issuer *auth.TokenIssuer, userID string) string {
	t.Helper()
	token, _, err := issuer.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func mustDocumentID(t *testing.T, raw string) document.DocumentID {
	t.Helper()
	documentID, err := document.NewDocumentID(raw)
	if err != nil {
		t.Fatalf("invalid document id %q: %v", raw, err)
	}
	return documentID
}

func mustBlock(t *testing.T, id, text string) document.Block {
	t.Helper()
	block, err := document.NewBlock(id, document.BlockKindAction, text)
	if err != nil {
		t.Fatalf("invalid block %q: %v", id, err)
	}
	return block
}
