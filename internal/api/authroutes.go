package api

import (
	"fmt"
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// handleAuthQR renders the pending consent link as a QR code so a user
// on a phone-first client can open it on another device.
func (s *Server) handleAuthQR(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Enabled() {
		s.errorResponse(w, http.StatusNotFound, "authorization disabled")
		return
	}

	id := r.PathValue("id")
	link, err := s.gate.PendingURL(r.Context(), id)
	if err != nil {
		s.logger.Error("pending auth lookup failed", "conversation", id, "error", err)
		s.errorResponse(w, turnErrorStatus(err), "failed to load authorization state")
		return
	}
	if link == "" {
		s.errorResponse(w, http.StatusNotFound, "no authorization pending")
		return
	}

	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "encode qr: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleAuthCallback completes authorization when the provider
// redirects the browser back instead of showing a code to paste.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Enabled() {
		s.errorResponse(w, http.StatusNotFound, "authorization disabled")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.errorResponse(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.errorResponse(w, http.StatusBadRequest, "state and code are required")
		return
	}

	convID, err := s.gate.Callback(r.Context(), state, code)
	if err != nil {
		s.logger.Warn("authorization callback failed", "error", err)
		s.errorResponse(w, http.StatusBadRequest, "authorization failed: "+err.Error())
		return
	}

	s.logger.Info("authorization completed via callback", "conversation", convID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Gestella is now connected to your calendar. You can close this window and return to the chat.")
}
