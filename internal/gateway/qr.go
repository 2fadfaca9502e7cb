package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/haasonsaas/pairrelay/internal/auth"
)

const (
	qrDefaultSize = 256
	qrMinSize     = 128
	qrMaxSize     = 512
)

// handleQR renders the pairing URL of a live session as a PNG so dashboards
// can show it to the phone.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	info, ok, err := s.relay.Lookup(r.Context(), token)
	if err != nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "pairing not found or expired", http.StatusNotFound)
		return
	}
	if user, ok := auth.UserFromContext(r.Context()); ok && !user.CanManage(info.CompanyID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		writeJSON(w, http.StatusOK, map[string]string{"pairingUrl": info.PairingURL})
		return
	}

	png, err := qrcode.Encode(info.PairingURL, qrcode.Medium, qrSize(r))
	if err != nil {
		s.logger.Error("qr render failed", "error", err)
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png) //nolint:errcheck
}

func qrSize(r *http.Request) int {
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil {
		return qrDefaultSize
	}
	return min(max(size, qrMinSize), qrMaxSize)
}
