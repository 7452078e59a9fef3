package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"tg-admarket/internal/domain"
)

type ctxKey int

const userCtxKey ctxKey = iota

// WebAppAuthMiddleware проверяет initData по токену бота, апсертит
// пользователя и кладёт его в контекст запроса.
func WebAppAuthMiddleware(botToken string, users domain.UserRepo) func(http.Handler) http.Handler {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	secret := mac.Sum(nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			initData := r.Header.Get("X-Telegram-Init-Data")
			if initData == "" {
				initData = r.URL.Query().Get("init_data")
			}
			if initData == "" {
				http.Error(w, "init_data отсутствует", http.StatusUnauthorized)
				return
			}
			profile, ok := validateInitData(initData, secret)
			if !ok {
				http.Error(w, "подпись недействительна", http.StatusUnauthorized)
				return
			}
			user, err := users.UpsertByTGID(r.Context(), profile)
			if err != nil {
				http.Error(w, "не удалось сохранить пользователя", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userCtxKey, user)))
		})
	}
}

func validateInitData(initData string, secret []byte) (domain.TelegramProfile, bool) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return domain.TelegramProfile{}, false
	}
	expected, err := hex.DecodeString(values.Get("hash"))
	if err != nil || len(expected) == 0 {
		return domain.TelegramProfile{}, false
	}

	pairs := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(pairs, "\n")))
	if !hmac.Equal(h.Sum(nil), expected) {
		return domain.TelegramProfile{}, false
	}

	var raw struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &raw); err != nil || raw.ID == 0 {
		return domain.TelegramProfile{}, false
	}
	return domain.TelegramProfile{TGUserID: raw.ID, Username: raw.Username, FirstName: raw.FirstName}, true
}

// UserFromContext возвращает пользователя, положенного auth-middleware.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	user, ok := ctx.Value(userCtxKey).(domain.User)
	return user, ok
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
}
