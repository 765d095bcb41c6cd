package http

import (
	"net/http"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dispatch consoles sit behind the office proxy
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionFeedHandler streams Session Record transitions to dispatch
// consoles over WebSocket, one subscription per office scope. When a
// presence store is attached it also serves the office's online roster.
type SessionFeedHandler struct {
	records  ports.SessionRecordStore
	presence ports.PresenceStore
	logger   *zap.SugaredLogger

	pingInterval time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// NewSessionFeedHandler creates the handler. presence may be nil; the
// roster endpoint is then not registered.
func NewSessionFeedHandler(records ports.SessionRecordStore, presence ports.PresenceStore, logger *zap.SugaredLogger) *SessionFeedHandler {
	return &SessionFeedHandler{
		records:      records,
		presence:     presence,
		logger:       logger,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		readTimeout:  90 * time.Second,
	}
}

func (h *SessionFeedHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/v1/sessions/feed", h.HandleFeed)
	if h.presence != nil {
		router.GET("/v1/sessions/presence", h.HandlePresence)
	}
}

// HandlePresence returns who is currently online in the office.
func (h *SessionFeedHandler) HandlePresence(c *gin.Context) {
	regionID := c.Query("region_id")
	officeID := c.Query("office_id")
	if err := validation.ValidateID("region_id", regionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateID("office_id", officeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope := domain.SessionScope{RegionID: regionID, OfficeID: officeID}

	entries, err := h.presence.Online(c.Request.Context(), scope)
	if err != nil {
		h.logger.Errorw("presence lookup failed",
			"scope", scope.String(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	if entries == nil {
		entries = []ports.PresenceEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": entries})
}

func (h *SessionFeedHandler) HandleFeed(c *gin.Context) {
	regionID := c.Query("region_id")
	officeID := c.Query("office_id")
	if err := validation.ValidateID("region_id", regionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateID("office_id", officeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope := domain.SessionScope{RegionID: regionID, OfficeID: officeID}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Infow("console subscribed to session feed",
		"scope", scope.String(),
		"remote", conn.RemoteAddr().String(),
	)

	updates, err := h.records.Watch(c.Request.Context(), scope)
	if err != nil {
		h.logger.Errorw("session record watch failed",
			"scope", scope.String(),
			"error", err,
		)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"),
			time.Now().Add(h.writeTimeout))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	// Drain client frames so pongs and close frames are processed.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case record, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(record); err != nil {
				h.logger.Warnw("session feed write failed",
					"scope", scope.String(),
					"error", err,
				)
				return
			}

		case <-pingTicker.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case <-readerDone:
			h.logger.Infow("console disconnected from session feed", "scope", scope.String())
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}
