package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
	"github.com/jaliph/wa-relay/whatsapp"
)

// Header names of the outbound endpoints
const (
	HeaderTo       = "X-To"
	HeaderFilename = "X-Filename"
)

// Messenger sends outbound messages through the live session
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
	SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName string) error
	SendOptions(ctx context.Context, to, text string, options []models.Option) error
}

// StatusSource exposes the session state
type StatusSource interface {
	Snapshot() whatsapp.Snapshot
}

// Journal is the read side of the delivery journal
type Journal interface {
	RecentDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)
	Stats(ctx context.Context) (*models.DeliveryStats, error)
	ArchiveStats(ctx context.Context) (*models.DeliveryStats, error)
}

// HandlerOptions wires a Handler. Journal is optional.
type HandlerOptions struct {
	Messenger Messenger
	Status    StatusSource
	Hub       *whatsapp.StatusHub
	Activity  *whatsapp.ActivityRing
	QR        *whatsapp.QRManager
	Journal   Journal

	MaxBodyBytes    int64
	ImageCaption    string
	DefaultFileName string
}

// Handler handles HTTP requests
type Handler struct {
	messenger Messenger
	status    StatusSource
	hub       *whatsapp.StatusHub
	activity  *whatsapp.ActivityRing
	qr        *whatsapp.QRManager
	journal   Journal

	maxBodyBytes    int64
	imageCaption    string
	defaultFileName string
}

// NewHandler creates a new API handler
func NewHandler(o HandlerOptions) *Handler {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 25 << 20
	}
	if o.ImageCaption == "" {
		o.ImageCaption = "Procesado"
	}
	if o.DefaultFileName == "" {
		o.DefaultFileName = "archivo"
	}
	return &Handler{
		messenger:       o.Messenger,
		status:          o.Status,
		hub:             o.Hub,
		activity:        o.Activity,
		qr:              o.QR,
		journal:         o.Journal,
		maxBodyBytes:    o.MaxBodyBytes,
		imageCaption:    o.ImageCaption,
		defaultFileName: o.DefaultFileName,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Logger.Debug("Failed to write response", "component", "api", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.APIResponse{Status: "error", Error: msg})
}

// sendStatus maps a send error to its HTTP status
func sendStatus(err error) int {
	switch {
	case errors.Is(err, whatsapp.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, whatsapp.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleStatus handles GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.status.Snapshot()
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Connected:  snap.Connected(),
		State:      snap.State.String(),
		AwaitingQR: snap.AwaitingQR,
		Retries:    snap.Retries,
		Exhausted:  snap.Exhausted,
	})
}

// HandleMessages handles GET /api/messages, newest first
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.activity.Snapshot())
}

// HandleQR handles GET /api/qr
func (h *Handler) HandleQR(w http.ResponseWriter, r *http.Request) {
	dataURL, ok, err := h.qr.DataURL()
	if err != nil {
		utils.Logger.Error("Failed to render pairing code", "component", "api", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no QR code available")
		return
	}
	writeJSON(w, http.StatusOK, models.QRCodeResponse{QR: dataURL})
}

// HandleResponse handles POST /api/respuesta. The body is sent as text, image
// or document depending on its Content-Type.
func (h *Handler) HandleResponse(w http.ResponseWriter, r *http.Request) {
	to := strings.TrimSpace(r.Header.Get(HeaderTo))
	if to == "" {
		writeError(w, http.StatusBadRequest, "missing X-To header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	contentType := r.Header.Get("Content-Type")
	ctx := r.Context()
	var kind string
	switch {
	case strings.HasPrefix(contentType, "text/"):
		kind = "text"
		err = h.messenger.SendText(ctx, to, string(body))
	case strings.HasPrefix(contentType, "image/"):
		kind = "image"
		err = h.messenger.SendImage(ctx, to, body, contentType, h.imageCaption)
	default:
		kind = "document"
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fileName := r.Header.Get(HeaderFilename)
		if fileName == "" {
			fileName = h.defaultFileName
		}
		err = h.messenger.SendDocument(ctx, to, body, contentType, fileName)
	}
	if err != nil {
		utils.Logger.Error("Failed to send response", "component", "api", "kind", kind, "to", to, "error", err)
		writeError(w, sendStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Status: "success", Message: kind + " sent"})
}

// HandleOptions handles POST /api/botones
func (h *Handler) HandleOptions(w http.ResponseWriter, r *http.Request) {
	to := strings.TrimSpace(r.Header.Get(HeaderTo))

	var req models.OptionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	choices := req.Choices()
	if to == "" || strings.TrimSpace(req.Text) == "" || len(choices) == 0 {
		writeError(w, http.StatusBadRequest, "missing parameters: X-To, text, options[]")
		return
	}
	for i, o := range choices {
		if o.ID == "" && o.DisplayLabel() == "" {
			writeError(w, http.StatusBadRequest, "option "+strconv.Itoa(i)+" has neither id nor label")
			return
		}
	}

	if err := h.messenger.SendOptions(r.Context(), to, req.Text, choices); err != nil {
		utils.Logger.Error("Failed to send options", "component", "api", "to", to, "error", err)
		writeError(w, sendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Status: "success", Message: "options sent"})
}

// HandleDeliveries handles GET /api/deliveries?limit=N
func (h *Handler) HandleDeliveries(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "delivery journal disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}

	deliveries, err := h.journal.RecentDeliveries(r.Context(), limit)
	if err != nil {
		utils.Logger.Error("Failed to list deliveries", "component", "api", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// StatsResponse combines journal and archive counts
type StatsResponse struct {
	Journal *models.DeliveryStats `json:"journal"`
	Archive *models.DeliveryStats `json:"archive,omitempty"`
}

// HandleStats handles GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "delivery journal disabled")
		return
	}

	var resp StatsResponse
	var err error
	if resp.Journal, err = h.journal.Stats(r.Context()); err != nil {
		utils.Logger.Error("Failed to compute stats", "component", "api", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if resp.Archive, err = h.journal.ArchiveStats(r.Context()); err != nil {
		utils.Logger.Warn("Failed to compute archive stats", "component", "api", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /healthz. It reports ok whenever the process
// serves requests; the session state is informational.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": h.status.Snapshot().State.String(),
	})
}

// statusWriteTimeout bounds one websocket write; a client that cannot keep up
// is dropped by the hub.
const statusWriteTimeout = 5 * time.Second

// wsSubscriber pushes connectivity events to one websocket client
type wsSubscriber struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *wsSubscriber) SendStatus(connected bool) error {
	payload, err := json.Marshal(models.ConnectivityEvent{Connected: connected})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerText(s.conn, payload)
}

// HandleStatusSocket handles GET /ws/status. The client receives the current
// state on connect and every change after that.
func (h *Handler) HandleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		utils.Logger.Warn("Websocket upgrade failed", "component", "api", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}
	id := h.hub.Subscribe(sub)
	if id == "" {
		return
	}
	defer h.hub.Unsubscribe(id)
	utils.Logger.Debug("Status subscriber connected", "component", "api", "id", id, "remote", r.RemoteAddr)

	// Client frames are ignored; reading keeps control frames flowing and
	// detects the close.
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			utils.Logger.Debug("Status subscriber gone", "component", "api", "id", id, "error", err)
			return
		}
	}
}
