package domain

import (
	"math/big"
	"time"
)

// DealStatus описывает этап жизненного цикла сделки.
type DealStatus string

const (
	DealPending     DealStatus = "Pending"
	DealFunded      DealStatus = "Funded"
	DealDraftReview DealStatus = "DraftReview"
	DealScheduled   DealStatus = "Scheduled"
	DealPublished   DealStatus = "Published"
	DealCompleted   DealStatus = "Completed"
	DealRefunded    DealStatus = "Refunded"
)

// Terminal сообщает, является ли статус конечным.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealRefunded
}

// CampaignStatus описывает состояние рекламной кампании.
type CampaignStatus string

const (
	CampaignPending  CampaignStatus = "Pending"
	CampaignAccepted CampaignStatus = "Accepted"
	CampaignRejected CampaignStatus = "Rejected"
)

// ChannelAdminRole — роль пользователя в управлении каналом.
type ChannelAdminRole string

const (
	RoleOwner     ChannelAdminRole = "Owner"
	RolePRManager ChannelAdminRole = "PR_Manager"
)

// CanManage сообщает, даёт ли роль право управлять каналом.
func (r ChannelAdminRole) CanManage() bool {
	return r == RoleOwner || r == RolePRManager
}

// User описывает пользователя площадки, вошедшего через Telegram.
type User struct {
	ID        string
	TGUserID  int64
	Username  string
	FirstName string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TelegramProfile — данные пользователя из initData.
type TelegramProfile struct {
	TGUserID  int64
	Username  string
	FirstName string
}

// Channel описывает канал, выставленный владельцем на площадку.
type Channel struct {
	ID               string
	OwnerID          string
	TGChannelID      int64
	Alias            string
	Title            string
	PricePerPostNano *big.Int
	CreatedAt        time.Time
}

// ChannelAdmin хранит роль пользователя в канале по записям приложения.
type ChannelAdmin struct {
	ChannelID string
	UserID    string
	Role      ChannelAdminRole
	AddedAt   time.Time
}

// Campaign — заявка рекламодателя на размещение в канале.
type Campaign struct {
	ID                 string
	ChannelID          string
	AdvertiserID       string
	Brief              string
	ProposedAmountNano *big.Int
	Status             CampaignStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Deal — центральная сущность: одна сделка рекламодателя с каналом.
// Деньги двигаются только через эскроу-адрес, привязанный к сделке.
type Deal struct {
	ID           string
	CampaignID   string
	ChannelID    string
	AdvertiserID string
	OwnerID      string

	AmountNano    *big.Int
	EscrowAddress string
	TxReference   string

	DraftText         string
	DraftMediaURLs    []string
	DraftContentHash  string
	DraftRejected     bool
	DraftRejectReason string

	ScheduledAt     *time.Time
	PublishedAt     *time.Time
	PublishedPostID *int64

	VerifiedAt         *time.Time
	VerificationFailed bool
	VerificationNotes  string

	Status    DealStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VerifiableDeal — сделка из выборки воркера вместе с данными канала,
// нужными для обращения к Telegram.
type VerifiableDeal struct {
	Deal
	ChannelTGID  int64
	ChannelAlias string
}
