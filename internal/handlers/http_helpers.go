package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/relay"
	"github.com/SteamVC/RoomWatch/internal/service"
)

// errorResponse はエラーレスポンスの構造
type errorResponse struct {
	Message string `json:"message"`          // エラーメッセージ
	Status  int    `json:"status,omitempty"` // アップストリームのHTTPステータス（502の場合のみ）
}

// respondJSON はJSONレスポンスを返します
// payloadがnilの場合は空のレスポンスを返します
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

// respondError はエラーレスポンスを返します
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Message: msg})
}

// decodeJSON はリクエストボディからJSONをデコードします
// デコードに失敗した場合は、エラーレスポンスを返してfalseを返します
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return false
		}
		respondError(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

// normalizeID はIDの前後の空白を削除して正規化します
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// queryLimit はクエリの limit を読みます。未指定なら0です
func queryLimit(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換して返します
// アップストリームの失敗は502とし、元のステータスをボディに残します
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrNotWatching):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyWatching),
		errors.Is(err, relay.ErrRoomBusy):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUsernameRequired),
		errors.Is(err, service.ErrRoomIDRequired),
		errors.Is(err, imvu.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, imvu.ErrMissingSession):
		respondError(w, http.StatusServiceUnavailable, "upstream session not configured")
	case errors.Is(err, context.Canceled):
		// クライアントが切断済み
	default:
		if code := imvu.StatusCode(err); code != 0 {
			respondJSON(w, http.StatusBadGateway, errorResponse{Message: err.Error(), Status: code})
			return
		}
		slog.Error("unhandled service error", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
