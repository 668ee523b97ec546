// Package wshost exposes a tzm.Device over websocket connections. Each
// connection is one device session: every message received is written to
// the device and answered with the current report.
package wshost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	tzm "github.com/luhtfiimanal/go-linux-tzm"
)

const writeWait = 5 * time.Second

// Handler upgrades HTTP requests to websocket sessions on a Device.
type Handler struct {
	dev            *tzm.Device
	log            *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

// New returns a Handler for dev. logger may be nil.
//
// Browser connections are accepted only from the same host or from one of
// allowedOrigins (e.g. "http://dash.local:3000"). Requests without an
// Origin header, which browsers always send, are accepted.
func New(dev *tzm.Device, logger *slog.Logger, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		dev:            dev,
		log:            logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: tzm.ReportCapacity,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if h.allowedHosts[parsed.Host] {
		return true
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	h.log.Warn("rejecting websocket origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sess, err := h.dev.Open(ctx)
	if err != nil {
		h.log.Warn("rejecting websocket session", "remote", r.RemoteAddr, "err", err)
		code, reason := websocket.CloseInternalServerErr, err.Error()
		if errors.Is(err, tzm.ErrBusy) {
			code, reason = websocket.CloseTryAgainLater, "device busy"
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			h.log.Debug("write close message", "remote", r.RemoteAddr, "err", err)
		}
		return
	}
	h.log.Info("websocket session opened", "remote", r.RemoteAddr)
	defer func() {
		if err := sess.Close(context.Background()); err != nil {
			h.log.Error("close session", "err", err)
		}
		h.log.Info("websocket session closed", "remote", r.RemoteAddr)
	}()

	if err := h.serve(ctx, conn, sess); err != nil {
		h.log.Debug("websocket session ended", "remote", r.RemoteAddr, "err", err)
	}
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, sess *tzm.Session) error {
	rep := make([]byte, tzm.ReportCapacity)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := sess.Write(ctx, data); err != nil {
			return err
		}
		n, err := sess.Read(ctx, rep)
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, rep[:n]); err != nil {
			return err
		}
	}
}
