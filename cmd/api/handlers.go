package main

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"tg-admarket/internal/domain"
	httpinfra "tg-admarket/internal/infra/http"
	campaignsusecase "tg-admarket/internal/usecase/campaigns"
	channelsusecase "tg-admarket/internal/usecase/channels"
	dealsusecase "tg-admarket/internal/usecase/deals"
)

type handlers struct {
	channels  *channelsusecase.Service
	campaigns *campaignsusecase.Service
	deals     *dealsusecase.Service
}

func (h *handlers) mount(r chi.Router) {
	r.Get("/api/v1/me", h.me)

	r.Get("/api/v1/channels", h.listChannels)
	r.Post("/api/v1/channels", h.registerChannel)
	r.Put("/api/v1/channels/{id}/price", h.setChannelPrice)
	r.Post("/api/v1/channels/{id}/managers", h.addManager)
	r.Delete("/api/v1/channels/{id}/managers/{userID}", h.removeManager)

	r.Get("/api/v1/campaigns", h.listCampaigns)
	r.Post("/api/v1/campaigns", h.createCampaign)
	r.Post("/api/v1/campaigns/{id}/review", h.reviewCampaign)

	r.Get("/api/v1/deals", h.listDeals)
	r.Post("/api/v1/deals", h.createDeal)
	r.Get("/api/v1/deals/{id}", h.getDeal)
	r.Get("/api/v1/deals/{id}/escrow", h.escrowInfo)
	r.Post("/api/v1/deals/{id}/funding", h.confirmFunding)
	r.Post("/api/v1/deals/{id}/draft", h.uploadDraft)
	r.Post("/api/v1/deals/{id}/draft/review", h.reviewDraft)
	r.Post("/api/v1/deals/{id}/schedule", h.scheduleDeal)
	r.Post("/api/v1/deals/{id}/published", h.markPublished)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	user, ok := httpinfra.UserFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "нет пользователя")
		return
	}
	writeJSON(w, map[string]any{
		"id":         user.ID,
		"tg_user_id": user.TGUserID,
		"username":   user.Username,
	})
}

type channelResponse struct {
	ID               string `json:"id"`
	Alias            string `json:"alias"`
	Title            string `json:"title"`
	PricePerPostNano string `json:"price_per_post_nano"`
}

func toChannelResponse(c domain.Channel) channelResponse {
	return channelResponse{
		ID:               c.ID,
		Alias:            c.Alias,
		Title:            c.Title,
		PricePerPostNano: c.PricePerPostNano.String(),
	}
}

func (h *handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	limit, _ := intQuery(r, "limit")
	offset, _ := intQuery(r, "offset")
	channels, err := h.channels.List(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]channelResponse, 0, len(channels))
	for _, c := range channels {
		out = append(out, toChannelResponse(c))
	}
	writeJSON(w, out)
}

func (h *handlers) registerChannel(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		TGChannelID int64  `json:"tg_channel_id"`
		Alias       string `json:"alias"`
		Title       string `json:"title"`
		PriceNano   string `json:"price_per_post_nano"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	price, err := parseNano(req.PriceNano)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректная цена")
		return
	}
	channel, err := h.channels.Register(r.Context(), user, req.TGChannelID, req.Alias, req.Title, price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, toChannelResponse(channel))
}

func (h *handlers) setChannelPrice(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		PriceNano string `json:"price_per_post_nano"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	price, err := parseNano(req.PriceNano)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректная цена")
		return
	}
	if err := h.channels.SetPrice(r.Context(), user.ID, chi.URLParam(r, "id"), price); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) addManager(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil || req.UserID == "" {
		writeStatus(w, http.StatusBadRequest, "user_id обязателен")
		return
	}
	if err := h.channels.AddManager(r.Context(), user.ID, chi.URLParam(r, "id"), req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) removeManager(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	if err := h.channels.RemoveManager(r.Context(), user.ID, chi.URLParam(r, "id"), chi.URLParam(r, "userID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type campaignResponse struct {
	ID                 string `json:"id"`
	ChannelID          string `json:"channel_id"`
	Brief              string `json:"brief"`
	ProposedAmountNano string `json:"proposed_amount_nano"`
	Status             string `json:"status"`
}

func toCampaignResponse(c domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:                 c.ID,
		ChannelID:          c.ChannelID,
		Brief:              c.Brief,
		ProposedAmountNano: c.ProposedAmountNano.String(),
		Status:             string(c.Status),
	}
}

func (h *handlers) listCampaigns(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	campaigns, err := h.campaigns.ListForUser(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, toCampaignResponse(c))
	}
	writeJSON(w, out)
}

func (h *handlers) createCampaign(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		ChannelID  string `json:"channel_id"`
		Brief      string `json:"brief"`
		AmountNano string `json:"amount_nano"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	amount, err := parseNano(req.AmountNano)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректная сумма")
		return
	}
	campaign, err := h.campaigns.Create(r.Context(), user.ID, req.ChannelID, req.Brief, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, toCampaignResponse(campaign))
}

func (h *handlers) reviewCampaign(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if err := h.campaigns.Review(r.Context(), user.ID, chi.URLParam(r, "id"), req.Accept); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type dealResponse struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	ChannelID         string     `json:"channel_id"`
	Status            string     `json:"status"`
	AmountNano        string     `json:"amount_nano"`
	EscrowAddress     string     `json:"escrow_address,omitempty"`
	DraftText         string     `json:"draft_text,omitempty"`
	DraftMediaURLs    []string   `json:"draft_media_urls,omitempty"`
	DraftRejected     bool       `json:"draft_rejected,omitempty"`
	DraftRejectReason string     `json:"draft_reject_reason,omitempty"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	VerificationNotes string     `json:"verification_notes,omitempty"`
}

func toDealResponse(d domain.Deal) dealResponse {
	return dealResponse{
		ID:                d.ID,
		CampaignID:        d.CampaignID,
		ChannelID:         d.ChannelID,
		Status:            string(d.Status),
		AmountNano:        d.AmountNano.String(),
		EscrowAddress:     d.EscrowAddress,
		DraftText:         d.DraftText,
		DraftMediaURLs:    d.DraftMediaURLs,
		DraftRejected:     d.DraftRejected,
		DraftRejectReason: d.DraftRejectReason,
		ScheduledAt:       d.ScheduledAt,
		PublishedAt:       d.PublishedAt,
		VerificationNotes: d.VerificationNotes,
	}
}

func (h *handlers) listDeals(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	deals, err := h.deals.List(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		out = append(out, toDealResponse(d))
	}
	writeJSON(w, out)
}

func (h *handlers) createDeal(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		CampaignID string `json:"campaign_id"`
		AmountNano string `json:"amount_nano"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	amount, err := parseNano(req.AmountNano)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректная сумма")
		return
	}
	deal, err := h.deals.Create(r.Context(), user.ID, req.CampaignID, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, toDealResponse(deal))
}

func (h *handlers) getDeal(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	deal, err := h.deals.Get(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, toDealResponse(deal))
}

func (h *handlers) escrowInfo(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	info, err := h.deals.EscrowInfo(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{
		"address":      info.Address,
		"amount_nano":  info.AmountNano.String(),
		"balance_nano": info.BalanceNano.String(),
	})
}

func (h *handlers) confirmFunding(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		TxReference string `json:"tx_reference"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if err := h.deals.ConfirmFunding(r.Context(), user.ID, chi.URLParam(r, "id"), req.TxReference); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) uploadDraft(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		Text      string   `json:"text"`
		MediaURLs []string `json:"media_urls"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if err := h.deals.UploadDraft(r.Context(), user, chi.URLParam(r, "id"), req.Text, req.MediaURLs); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) reviewDraft(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		Approve bool   `json:"approve"`
		Reason  string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if err := h.deals.ReviewDraft(r.Context(), user.ID, chi.URLParam(r, "id"), req.Approve, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) scheduleDeal(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		At time.Time `json:"at"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if err := h.deals.Schedule(r.Context(), user, chi.URLParam(r, "id"), req.At); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// markPublished принимает событие публикации от бота-коллаборатора.
// Вызывающий обязан видеть сделку: чужие сделки неотличимы от
// несуществующих.
func (h *handlers) markPublished(w http.ResponseWriter, r *http.Request) {
	user, _ := httpinfra.UserFromContext(r.Context())
	var req struct {
		PostID int64      `json:"post_id"`
		At     *time.Time `json:"at"`
	}
	if err := decode(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	dealID := chi.URLParam(r, "id")
	if _, err := h.deals.Get(r.Context(), user.ID, dealID); err != nil {
		writeDomainError(w, err)
		return
	}
	at := time.Now().UTC()
	if req.At != nil {
		at = *req.At
	}
	if err := h.deals.MarkPublished(r.Context(), dealID, req.PostID, at); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseNano(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, domain.ErrValidation
	}
	return amount, nil
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainError переводит доменные ошибки в HTTP статусы.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeStatus(w, http.StatusNotFound, "не найдено")
	case errors.Is(err, domain.ErrForbidden):
		writeStatus(w, http.StatusForbidden, "нет доступа")
	case errors.Is(err, domain.ErrWrongStatus):
		writeStatus(w, http.StatusConflict, "операция недоступна в текущем статусе")
	case errors.Is(err, domain.ErrAdminLost):
		writeStatus(w, http.StatusConflict, "права администратора канала утрачены")
	case errors.Is(err, domain.ErrAmountTooLow):
		writeStatus(w, http.StatusBadRequest, "сумма ниже цены размещения")
	case errors.Is(err, domain.ErrValidation), errors.Is(err, channelsusecase.ErrAliasInvalid):
		writeStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrEscrowUnavailable):
		writeStatus(w, http.StatusServiceUnavailable, "эскроу временно недоступен")
	default:
		log.Error().Err(err).Msg("api: внутренняя ошибка")
		writeStatus(w, http.StatusInternalServerError, "внутренняя ошибка")
	}
}
