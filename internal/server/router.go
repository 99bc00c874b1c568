package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cjliu2003/writersroom/backend/internal/auth"
	"github.com/cjliu2003/writersroom/backend/internal/collab"
	"github.com/cjliu2003/writersroom/backend/internal/document"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const userIDContextKey = "writersroom_user_id"

// RelaySubject is the token subject peer processes authenticate with on
// the relay channel.
const RelaySubject = "writersroom-relay"

const (
	defaultSnapshotCacheSize = 256
	defaultSnapshotCacheTTL  = 30 * time.Second
)

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingSessions      = errors.New("session manager dependency required")
	errMissingMaterializer  = errors.New("materializer dependency required")
	errMissingGateway       = errors.New("autosave gateway dependency required")
	errMissingReconciler    = errors.New("reconciler dependency required")
	errMissingDetector      = errors.New("divergence detector dependency required")
	errInvalidAuthorization = errors.New("bearer token missing or invalid")
)

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	TokenIssuer  *auth.TokenIssuer
	Access       collab.AccessController
	Sessions     *document.SessionManager
	Materializer *document.Materializer
	Gateway      *document.AutosaveGateway
	Reconciler   *document.Reconciler
	Detector     *document.Detector
	Broadcaster  document.Broadcaster
	Relay        *document.RelayBroadcaster
	Logger       *zap.Logger

	CookieName        string
	SnapshotCacheSize int
	SnapshotCacheTTL  time.Duration
}

// NewHTTPHandler assembles the gin router for the sync server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Materializer == nil {
		return nil, errMissingMaterializer
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Detector == nil {
		return nil, errMissingDetector
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	access := deps.Access
	if access == nil {
		access = collab.AllowAllController{}
	}
	broadcaster := deps.Broadcaster
	if broadcaster == nil {
		broadcaster = document.NewLocalBroadcaster()
	}
	cacheSize := deps.SnapshotCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultSnapshotCacheSize
	}
	cacheTTL := deps.SnapshotCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultSnapshotCacheTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenIssuer,
		access:        access,
		sessions:      deps.Sessions,
		materializer:  deps.Materializer,
		gateway:       deps.Gateway,
		reconciler:    deps.Reconciler,
		detector:      deps.Detector,
		broadcaster:   broadcaster,
		relay:         deps.Relay,
		logger:        logger,
		cookieName:    deps.CookieName,
		snapshotCache: expirable.NewLRU[string, document.Snapshot](cacheSize, nil, cacheTTL),
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:id/sync", handler.handleSync)
	protected.GET("/documents/:id/snapshot", handler.handleSnapshot)
	protected.POST("/documents/:id/autosave", handler.handleAutosave)
	protected.POST("/documents/:id/reconcile", handler.handleReconcile)
	protected.POST("/documents/:id/consistency", handler.handleConsistency)
	if deps.Relay != nil {
		router.GET("/internal/relay", handler.authorizeRelay, handler.handleRelay)
	}

	return router, nil
}

type httpHandler struct {
	tokens        *auth.TokenIssuer
	access        collab.AccessController
	sessions      *document.SessionManager
	materializer  *document.Materializer
	gateway       *document.AutosaveGateway
	reconciler    *document.Reconciler
	detector      *document.Detector
	broadcaster   document.Broadcaster
	relay         *document.RelayBroadcaster
	logger        *zap.Logger
	cookieName    string
	snapshotCache *expirable.LRU[string, document.Snapshot]
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type blockPayload struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type snapshotResponsePayload struct {
	DocumentID    string         `json:"document_id"`
	Version       int64          `json:"version"`
	SchemaVersion int64          `json:"schema_version"`
	Source        string         `json:"source"`
	Checksum      string         `json:"checksum"`
	GeneratedAtS  int64          `json:"generated_at_s"`
	Blocks        []blockPayload `json:"blocks"`
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if !h.authorizeDocument(c, userID, documentID, collab.AccessRead) {
		return
	}

	snapshot, cached := h.snapshotCache.Get(documentID.String())
	if !cached {
		fresh, err := h.materializer.Snapshot(c.Request.Context(), documentID)
		if errors.Is(err, document.ErrSnapshotNotFound) {
			fresh, err = h.materializer.Materialize(c.Request.Context(), documentID)
		}
		if err != nil {
			h.logger.Error("snapshot fetch failed",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
			return
		}
		snapshot = fresh
		h.snapshotCache.Add(documentID.String(), snapshot)
	}

	c.JSON(http.StatusOK, snapshotResponse(snapshot))
}

type autosaveRequestPayload struct {
	BaseVersion int64          `json:"base_version"`
	Blocks      []blockPayload `json:"blocks"`
}

type autosaveConflictPayload struct {
	Error          string         `json:"error"`
	CurrentVersion int64          `json:"current_version"`
	Blocks         []blockPayload `json:"blocks"`
}

func (h *httpHandler) handleAutosave(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if !h.authorizeDocument(c, userID, documentID, collab.AccessWrite) {
		return
	}

	var request autosaveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	blocks, err := decodeBlocks(request.Blocks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blocks"})
		return
	}

	snapshot, err := h.gateway.Update(c.Request.Context(), documentID, document.Version(request.BaseVersion), blocks)
	if err != nil {
		var conflict *document.VersionConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, autosaveConflictPayload{
				Error:          "version_conflict",
				CurrentVersion: conflict.CurrentVersion.Int64(),
				Blocks:         encodeBlocks(conflict.CurrentContent),
			})
			return
		}
		h.logger.Error("autosave failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "autosave_failed"})
		return
	}

	h.snapshotCache.Remove(documentID.String())
	c.JSON(http.StatusOK, snapshotResponse(snapshot))
}

type reconcileRequestPayload struct {
	BaseBlocks  []blockPayload `json:"base_blocks"`
	LocalBlocks []blockPayload `json:"local_blocks"`
}

type conflictPayload struct {
	BlockID string        `json:"block_id"`
	Local   *blockPayload `json:"local,omitempty"`
	Server  *blockPayload `json:"server,omitempty"`
}

type reconcileResponsePayload struct {
	State         string            `json:"state"`
	Merged        []blockPayload    `json:"merged"`
	Conflicts     []conflictPayload `json:"conflicts,omitempty"`
	ServerVersion int64             `json:"server_version"`
	NewVersion    int64             `json:"new_version,omitempty"`
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if !h.authorizeDocument(c, userID, documentID, collab.AccessWrite) {
		return
	}

	var request reconcileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	baseBlocks, err := decodeBlocks(request.BaseBlocks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blocks"})
		return
	}
	localBlocks, err := decodeBlocks(request.LocalBlocks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blocks"})
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), documentID, baseBlocks, localBlocks)
	if err != nil {
		h.logger.Error("reconcile failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}

	response := reconcileResponsePayload{
		State:         string(result.State),
		Merged:        encodeBlocks(result.Merged),
		ServerVersion: int64(result.ServerVersion),
		NewVersion:    int64(result.NewVersion),
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, conflictPayload{
			BlockID: conflict.BlockID,
			Local:   encodeBlockPtr(conflict.Local),
			Server:  encodeBlockPtr(conflict.Server),
		})
	}
	if result.State == document.ReconcileAutoMerged {
		h.snapshotCache.Remove(documentID.String())
	}

	c.JSON(http.StatusOK, response)
}

type consistencyResponsePayload struct {
	DocumentID       string `json:"document_id"`
	Diverged         bool   `json:"diverged"`
	Severity         string `json:"severity"`
	Repaired         bool   `json:"repaired"`
	LiveChecksum     string `json:"live_checksum"`
	SnapshotChecksum string `json:"snapshot_checksum"`
}

func (h *httpHandler) handleConsistency(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if !h.authorizeDocument(c, userID, documentID, collab.AccessRead) {
		return
	}

	report, err := h.detector.CheckAndRepair(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("consistency check failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consistency_failed"})
		return
	}
	if report.Repaired {
		h.snapshotCache.Remove(documentID.String())
	}

	c.JSON(http.StatusOK, consistencyResponsePayload{
		DocumentID:       report.DocumentID.String(),
		Diverged:         report.Diverged,
		Severity:         string(report.Severity),
		Repaired:         report.Repaired,
		LiveChecksum:     report.LiveChecksum,
		SnapshotChecksum: report.SnapshotChecksum,
	})
}

// authorizeRelay admits only peer processes presenting a token minted
// for the relay subject; collaborator tokens cannot feed relay frames.
func (h *httpHandler) authorizeRelay(c *gin.Context) {
	token, err := auth.BearerToken(c.Request, h.cookieName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("relay token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if subject != RelaySubject {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleRelay(c *gin.Context) {
	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}
	h.relay.HandleInbound(c.Request.Context(), conn)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request, h.cookieName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) documentID(c *gin.Context) (document.DocumentID, bool) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return document.DocumentID(""), false
	}
	return documentID, true
}

func (h *httpHandler) authorizeDocument(c *gin.Context, userID string, documentID document.DocumentID, access collab.Access) bool {
	err := h.access.Authorize(c.Request.Context(), userID, documentID.String(), access)
	if err == nil {
		return true
	}
	if errors.Is(err, collab.ErrAccessDenied) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	h.logger.Error("authorization lookup failed",
		zap.String("document_id", documentID.String()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
	return false
}

func snapshotResponse(snapshot document.Snapshot) snapshotResponsePayload {
	return snapshotResponsePayload{
		DocumentID:    snapshot.DocumentID.String(),
		Version:       int64(snapshot.Version),
		SchemaVersion: snapshot.SchemaVersion,
		Source:        string(snapshot.Source),
		Checksum:      snapshot.Checksum,
		GeneratedAtS:  snapshot.GeneratedAt.UTC().Unix(),
		Blocks:        encodeBlocks(snapshot.Blocks),
	}
}

func decodeBlocks(payloads []blockPayload) ([]document.Block, error) {
	blocks := make([]document.Block, 0, len(payloads))
	for _, payload := range payloads {
		block, err := document.NewBlock(payload.ID, document.BlockKind(payload.Kind), payload.Text)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func encodeBlocks(blocks []document.Block) []blockPayload {
	encoded := make([]blockPayload, 0, len(blocks))
	for _, block := range blocks {
		encoded = append(encoded, blockPayload{ID: block.ID, Kind: string(block.Kind), Text: block.Text})
	}
	return encoded
}

func encodeBlockPtr(block *document.Block) *blockPayload {
	if block == nil {
		return nil
	}
	encoded := blockPayload{ID: block.ID, Kind: string(block.Kind), Text: block.Text}
	return &encoded
}
