package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"media-harbor/internal/domain"
	"media-harbor/internal/repository"
	"media-harbor/internal/storage"
	"media-harbor/internal/transfer"
	"media-harbor/internal/tunnel"
)

// Transfers is the slice of the transfer engine the API exposes.
type Transfers interface {
	Add(sourceURI string, ref domain.MediaRef) (string, error)
	Get(id string) (domain.Transfer, error)
	List() []domain.Transfer
	Files(id string) ([]string, error)
	Pause(id string) error
	Resume(id string) error
	Remove(id string, deleteData bool) error
}

// Tunnel is the slice of the tunnel service the API exposes. Nil when the
// tunnel is disabled.
type Tunnel interface {
	Connect() error
	Disconnect() error
	Status() domain.TunnelState
}

// Catalog is the read side of the media catalog.
type Catalog interface {
	List(ctx context.Context) ([]domain.MediaItem, error)
	Item(ctx context.Context, ref domain.MediaRef) (*domain.MediaItem, []domain.MediaFile, error)
}

// Handler wires HTTP routes to the engine, tunnel and catalog.
type Handler struct {
	transfers  Transfers
	tun        Tunnel
	catalog    Catalog
	storage    storage.Service
	events     Subscriber
	auth       *Auth
	bucket     string
	killSwitch bool
}

func NewHandler(transfers Transfers, tun Tunnel, catalog Catalog, store storage.Service, events Subscriber, auth *Auth, bucket string, killSwitch bool) *Handler {
	return &Handler{
		transfers:  transfers,
		tun:        tun,
		catalog:    catalog,
		storage:    store,
		events:     events,
		auth:       auth,
		bucket:     bucket,
		killSwitch: killSwitch,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	if h.auth != nil {
		api.POST("/auth/login", h.login)
		api.Use(h.auth.Middleware())
	}

	api.POST("/transfers", h.addTransfer)
	api.GET("/transfers", h.listTransfers)
	api.GET("/transfers/:id", h.getTransfer)
	api.GET("/transfers/:id/files", h.listTransferFiles)
	api.POST("/transfers/:id/pause", h.pauseTransfer)
	api.POST("/transfers/:id/resume", h.resumeTransfer)
	api.DELETE("/transfers/:id", h.removeTransfer)

	api.POST("/vpn/connect", h.vpnConnect)
	api.POST("/vpn/disconnect", h.vpnDisconnect)
	api.GET("/vpn/status", h.vpnStatus)

	api.GET("/media", h.listMedia)
	api.GET("/media/:type/:id", h.getMedia)

	api.GET("/storage/objects", h.listObjects)
	api.GET("/events", h.streamEvents)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type addTransferRequest struct {
	Source    string           `json:"source" binding:"required"`
	MediaType domain.MediaType `json:"media_type"`
	MediaID   int64            `json:"media_id"`
}

func (h *Handler) addTransfer(c *gin.Context) {
	var req addTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ref := domain.MediaRef{MediaType: req.MediaType, MediaID: req.MediaID}
	id, err := h.transfers.Add(req.Source, ref)
	if err != nil {
		writeTransferError(c, err)
		return
	}

	t, err := h.transfers.Get(id)
	if err != nil {
		writeTransferError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, transferToResponse(t))
}

func (h *Handler) listTransfers(c *gin.Context) {
	transfers := h.transfers.List()
	resp := make([]TransferResponse, len(transfers))
	for i := range transfers {
		resp[i] = transferToResponse(transfers[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	t, err := h.transfers.Get(c.Param("id"))
	if err != nil {
		writeTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(t))
}

func (h *Handler) listTransferFiles(c *gin.Context) {
	files, err := h.transfers.Files(c.Param("id"))
	if err != nil {
		writeTransferError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *Handler) pauseTransfer(c *gin.Context) {
	if err := h.transfers.Pause(c.Param("id")); err != nil {
		writeTransferError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resumeTransfer(c *gin.Context) {
	if err := h.transfers.Resume(c.Param("id")); err != nil {
		writeTransferError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeTransfer(c *gin.Context) {
	deleteData, err := strconv.ParseBool(c.DefaultQuery("delete_data", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_data"})
		return
	}
	if err := h.transfers.Remove(c.Param("id"), deleteData); err != nil {
		writeTransferError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) vpnConnect(c *gin.Context) {
	if h.tun == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tunnel is not configured"})
		return
	}
	if err := h.tun.Connect(); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tunnel.ErrNotDisconnected) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.tunnelStatusResponse())
}

func (h *Handler) vpnDisconnect(c *gin.Context) {
	if h.tun == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tunnel is not configured"})
		return
	}
	if err := h.tun.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.tunnelStatusResponse())
}

func (h *Handler) vpnStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tunnelStatusResponse())
}

func (h *Handler) listMedia(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusOK, []MediaItemResponse{})
		return
	}
	items, err := h.catalog.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]MediaItemResponse, len(items))
	for i := range items {
		resp[i] = mediaItemToResponse(items[i], nil)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getMedia(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog is not configured"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media id"})
		return
	}
	ref := domain.MediaRef{MediaType: domain.MediaType(c.Param("type")), MediaID: id}

	item, files, err := h.catalog.Item(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mediaItemToResponse(*item, files))
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

// writeTransferError maps engine errors onto HTTP statuses.
func writeTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrInvalidSource):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrEngineClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type TransferResponse struct {
	ID              string                `json:"id"`
	Source          string                `json:"source"`
	Name            string                `json:"name"`
	MediaRef        *domain.MediaRef      `json:"media_ref,omitempty"`
	Status          domain.TransferStatus `json:"status"`
	PauseReason     domain.PauseReason    `json:"pause_reason,omitempty"`
	Progress        float64               `json:"progress"`
	DownloadRate    int64                 `json:"download_rate"`
	UploadRate      int64                 `json:"upload_rate"`
	BytesDownloaded int64                 `json:"bytes_downloaded"`
	BytesUploaded   int64                 `json:"bytes_uploaded"`
	SizeBytes       int64                 `json:"size_bytes"`
	Ratio           float64               `json:"ratio"`
	PeerCount       int                   `json:"peer_count"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	AddedAt         string                `json:"added_at"`
	StartedAt       *string               `json:"started_at,omitempty"`
	CompletedAt     *string               `json:"completed_at,omitempty"`
}

func transferToResponse(t domain.Transfer) TransferResponse {
	resp := TransferResponse{
		ID:              t.SourceID,
		Source:          t.SourceURI,
		Name:            t.Name,
		Status:          t.Status,
		PauseReason:     t.PauseReason,
		Progress:        t.Progress,
		DownloadRate:    t.DownloadRate,
		UploadRate:      t.UploadRate,
		BytesDownloaded: t.BytesDownloaded,
		BytesUploaded:   t.BytesUploaded,
		SizeBytes:       t.SizeBytes,
		Ratio:           t.Ratio,
		PeerCount:       t.PeerCount,
		ErrorMessage:    t.ErrorMessage,
		AddedAt:         t.AddedAt.Format(time.RFC3339),
	}
	if t.MediaRef.MediaType != "" {
		ref := t.MediaRef
		resp.MediaRef = &ref
	}
	if t.StartedAt != nil {
		v := t.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

type TunnelStatusResponse struct {
	Status           domain.TunnelStatus `json:"status"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	Interface        string              `json:"interface,omitempty"`
	Endpoint         string              `json:"endpoint,omitempty"`
	ConnectedSince   *string             `json:"connected_since,omitempty"`
	LastHandshake    *string             `json:"last_handshake,omitempty"`
	RxBytes          int64               `json:"rx_bytes"`
	TxBytes          int64               `json:"tx_bytes"`
	KillSwitchActive bool                `json:"kill_switch_active"`
}

func (h *Handler) tunnelStatusResponse() TunnelStatusResponse {
	if h.tun == nil {
		return TunnelStatusResponse{Status: domain.TunnelStatusDisconnected}
	}
	st := h.tun.Status()
	resp := TunnelStatusResponse{
		Status:       st.Status,
		ErrorMessage: st.ErrorMessage,
		Interface:    st.InterfaceName,
		Endpoint:     st.Endpoint,
		RxBytes:      st.RxBytes,
		TxBytes:      st.TxBytes,
		// the kill switch holds transfers whenever the tunnel is not up
		KillSwitchActive: h.killSwitch && st.Status != domain.TunnelStatusConnected,
	}
	if st.ConnectedSince != nil {
		v := st.ConnectedSince.Format(time.RFC3339)
		resp.ConnectedSince = &v
	}
	if st.LastHandshake != nil {
		v := st.LastHandshake.Format(time.RFC3339)
		resp.LastHandshake = &v
	}
	return resp
}

type MediaItemResponse struct {
	MediaType   domain.MediaType    `json:"media_type"`
	MediaID     int64               `json:"media_id"`
	Title       string              `json:"title"`
	Available   bool                `json:"available"`
	FilePath    string              `json:"file_path,omitempty"`
	SourceID    string              `json:"source_id,omitempty"`
	AvailableAt *string             `json:"available_at,omitempty"`
	Files       []MediaFileResponse `json:"files,omitempty"`
}

type MediaFileResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func mediaItemToResponse(item domain.MediaItem, files []domain.MediaFile) MediaItemResponse {
	resp := MediaItemResponse{
		MediaType: item.Ref.MediaType,
		MediaID:   item.Ref.MediaID,
		Title:     item.Title,
		Available: item.Available,
		FilePath:  item.FilePath,
		SourceID:  item.SourceID,
	}
	if item.AvailableAt != nil {
		v := item.AvailableAt.Format(time.RFC3339)
		resp.AvailableAt = &v
	}
	for _, f := range files {
		resp.Files = append(resp.Files, MediaFileResponse{Path: f.Path, Size: f.Size})
	}
	return resp
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
