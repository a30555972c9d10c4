package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/adstudio/internal/api"
	"github.com/ashureev/adstudio/internal/coordinator"
	"github.com/ashureev/adstudio/internal/identity"
)

const maxFrameBytes = 64 << 10

// Frame types.
const (
	TypeTurn       = "turn"
	TypeStatus     = "status"
	TypePing       = "ping"
	TypeTurnResult = "turn_result"
	TypeStatusInfo = "status_result"
	TypePong       = "pong"
	TypeError      = "error"
)

// Inbound is a client frame.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type   string                             `json:"type"`
	Result *coordinator.TurnResult            `json:"result,omitempty"`
	Status *coordinator.SessionStatusResponse `json:"status,omitempty"`
	Error  *api.ErrorResponse                 `json:"error,omitempty"`
}

// Handler upgrades session requests to websockets and runs turns for them.
type Handler struct {
	coord          *coordinator.Coordinator
	registry       *Registry
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a websocket handler. Origin patterns follow
// websocket.AcceptOptions; nil accepts same-host origins only.
func NewHandler(coord *coordinator.Coordinator, registry *Registry, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handler{coord: coord, registry: registry, originPatterns: originPatterns, logger: logger}
}

// RegisterRoutes registers the websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{id}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	clientID := identity.ClientIDFromContext(r.Context())

	// Unknown sessions are rejected before the upgrade so clients see a plain 404.
	if _, err := h.coord.Status(r.Context(), sessionID); err != nil {
		api.WriteError(w, r, h.logger, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("Failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	ws.SetReadLimit(maxFrameBytes)

	h.registry.Register(sessionID, clientID, ws)
	defer h.registry.Unregister(sessionID, clientID, ws)

	h.logger.Info("Stream connected", "session_id", sessionID, "client_id", clientID, "ip", identity.IPFromRequest(r))
	h.loop(r.Context(), ws, sessionID)
	h.logger.Info("Stream ended", "session_id", sessionID, "client_id", clientID)
}

func (h *Handler) loop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		var in Inbound
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Websocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("Websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		out := h.dispatch(ctx, sessionID, in)
		if err := wsjson.Write(ctx, ws, out); err != nil {
			h.logger.Debug("Websocket write error", "error", err, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sessionID string, in Inbound) Outbound {
	switch in.Type {
	case TypeTurn:
		res, err := h.coord.SubmitTurn(ctx, sessionID, in.Content)
		if err != nil {
			return errorFrame(err)
		}
		return Outbound{Type: TypeTurnResult, Result: res}
	case TypeStatus:
		st, err := h.coord.Status(ctx, sessionID)
		if err != nil {
			return errorFrame(err)
		}
		return Outbound{Type: TypeStatusInfo, Status: st}
	case TypePing:
		return Outbound{Type: TypePong}
	default:
		return errorFrame(fmt.Errorf("unknown frame type %q: %w", in.Type, errdefs.ErrInvalidArgument))
	}
}

func errorFrame(err error) Outbound {
	resp := api.NewErrorResponse(err)
	return Outbound{Type: TypeError, Error: &resp}
}
