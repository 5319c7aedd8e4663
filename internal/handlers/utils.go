package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/store"
	"github.com/rs/zerolog"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
	// maxOffset bounds the computed OFFSET so it never overflows.
	maxOffset = math.MaxInt32
	maxBodyBytes = 1 << 20
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse lists every failing field next to the first
// message, which is what a form shows above the inputs.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps service and store errors to a status code and an
// Arabic message. Anything unexpected is logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{Error: verr.First, Errors: verr.Fields})
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "اسم المستخدم أو كلمة المرور غير صحيحة")
	case errors.Is(err, services.ErrAccountLocked):
		writeError(w, http.StatusLocked, "تم قفل الحساب مؤقتاً بسبب كثرة محاولات الدخول الفاشلة")
	case errors.Is(err, services.ErrAccountPending):
		writeError(w, http.StatusForbidden, "الحساب غير مفعل، يرجى التحقق من بريدك الإلكتروني")
	case errors.Is(err, services.ErrAccountSuspended):
		writeError(w, http.StatusForbidden, "تم إيقاف الحساب مؤقتاً")
	case errors.Is(err, services.ErrAccountBanned):
		writeError(w, http.StatusForbidden, "تم حظر الحساب")
	case errors.Is(err, store.ErrInvalidToken):
		writeError(w, http.StatusNotFound, "رابط التفعيل غير صالح أو مستخدم من قبل")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "المستخدم غير موجود")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "اسم المستخدم أو البريد الإلكتروني مستخدم بالفعل")
	case errors.Is(err, store.ErrNothingToUpdate):
		writeError(w, http.StatusBadRequest, "لا توجد بيانات للتحديث")
	case errors.Is(err, store.ErrInvalidRole):
		writeError(w, http.StatusUnprocessableEntity, "الدور المحدد غير صالح")
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "رفع الصور غير متاح حالياً")
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusNotFound, "الملف غير موجود")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "حدث خطأ غير متوقع، يرجى المحاولة لاحقاً")
	}
}

// decodeJSON reads a JSON body of at most maxBodyBytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func parsePagination(r *http.Request) (page, limit, offset int, err error) {
	page = defaultPage
	limit = defaultLimit

	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, 0, errors.New("invalid page")
		}
	}

	rawLimit := strings.TrimSpace(r.URL.Query().Get("limit"))
	if rawLimit == "" {
		rawLimit = strings.TrimSpace(r.URL.Query().Get("per_page"))
	}
	if rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 1 {
			return 0, 0, 0, errors.New("invalid limit")
		}
	}

	if limit > maxLimit {
		limit = maxLimit
	}

	if page-1 > maxOffset/limit {
		return 0, 0, 0, errors.New("invalid page")
	}
	offset = (page - 1) * limit
	return page, limit, offset, nil
}

func parseUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}
