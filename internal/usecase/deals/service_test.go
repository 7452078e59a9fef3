package deals

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
)

type stubDeals struct {
	m map[string]domain.Deal
}

func newStubDeals() *stubDeals { return &stubDeals{m: map[string]domain.Deal{}} }

func (s *stubDeals) CreateDeal(_ context.Context, deal domain.Deal) (domain.Deal, error) {
	deal.CreatedAt = time.Now().UTC()
	s.m[deal.ID] = deal
	return deal, nil
}

func (s *stubDeals) GetDeal(_ context.Context, id string) (domain.Deal, error) {
	deal, ok := s.m[id]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	return deal, nil
}

func (s *stubDeals) ListDealsForUser(context.Context, string) ([]domain.Deal, error) { return nil, nil }

func (s *stubDeals) SetEscrowAddressIfEmpty(_ context.Context, dealID, address string) error {
	deal, ok := s.m[dealID]
	if !ok {
		return domain.ErrNotFound
	}
	if deal.EscrowAddress == "" {
		deal.EscrowAddress = address
		s.m[dealID] = deal
		return nil
	}
	if deal.EscrowAddress != address {
		return errors.New("адрес уже сохранён и отличается")
	}
	return nil
}

func (s *stubDeals) mutate(dealID string, from domain.DealStatus, fn func(*domain.Deal)) error {
	deal, ok := s.m[dealID]
	if !ok {
		return domain.ErrNotFound
	}
	if deal.Status != from {
		return domain.ErrWrongStatus
	}
	fn(&deal)
	s.m[dealID] = deal
	return nil
}

func (s *stubDeals) MarkFunded(_ context.Context, dealID, txReference string) error {
	return s.mutate(dealID, domain.DealPending, func(d *domain.Deal) {
		d.Status = domain.DealFunded
		d.TxReference = txReference
	})
}

func (s *stubDeals) SetDraft(_ context.Context, dealID, text string, mediaURLs []string) error {
	return s.mutate(dealID, domain.DealFunded, func(d *domain.Deal) {
		d.Status = domain.DealDraftReview
		d.DraftText = text
		d.DraftMediaURLs = mediaURLs
		d.DraftRejected = false
		d.DraftRejectReason = ""
	})
}

func (s *stubDeals) ApproveDraft(_ context.Context, dealID, contentHash string) error {
	return s.mutate(dealID, domain.DealDraftReview, func(d *domain.Deal) {
		d.Status = domain.DealScheduled
		d.DraftContentHash = contentHash
	})
}

func (s *stubDeals) RejectDraft(_ context.Context, dealID, reason string) error {
	return s.mutate(dealID, domain.DealDraftReview, func(d *domain.Deal) {
		d.Status = domain.DealFunded
		d.DraftRejected = true
		d.DraftRejectReason = reason
		d.DraftText = ""
		d.DraftMediaURLs = nil
	})
}

func (s *stubDeals) SetScheduledAt(_ context.Context, dealID string, at time.Time) error {
	return s.mutate(dealID, domain.DealScheduled, func(d *domain.Deal) { d.ScheduledAt = &at })
}

func (s *stubDeals) MarkPublished(_ context.Context, dealID string, postID int64, at time.Time) error {
	return s.mutate(dealID, domain.DealScheduled, func(d *domain.Deal) {
		d.Status = domain.DealPublished
		d.PublishedPostID = &postID
		d.PublishedAt = &at
	})
}

func (s *stubDeals) ListVerifiable(context.Context, time.Time) ([]domain.VerifiableDeal, error) {
	return nil, nil
}

func (s *stubDeals) Finalize(context.Context, string, domain.DealStatus, bool, string, time.Time) error {
	return nil
}

type stubCampaigns struct{ m map[string]domain.Campaign }

func (s *stubCampaigns) CreateCampaign(_ context.Context, c domain.Campaign) (domain.Campaign, error) {
	return c, nil
}
func (s *stubCampaigns) GetCampaign(_ context.Context, id string) (domain.Campaign, error) {
	c, ok := s.m[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}
func (s *stubCampaigns) ListCampaignsForUser(context.Context, string) ([]domain.Campaign, error) {
	return nil, nil
}
func (s *stubCampaigns) SetCampaignStatus(context.Context, string, domain.CampaignStatus) error {
	return nil
}

type stubChannels struct{ m map[string]domain.Channel }

func (s *stubChannels) CreateChannel(_ context.Context, c domain.Channel) (domain.Channel, error) {
	return c, nil
}
func (s *stubChannels) GetChannel(_ context.Context, id string) (domain.Channel, error) {
	c, ok := s.m[id]
	if !ok {
		return domain.Channel{}, domain.ErrNotFound
	}
	return c, nil
}
func (s *stubChannels) ListChannels(context.Context, int, int) ([]domain.Channel, error) {
	return nil, nil
}
func (s *stubChannels) UpdatePrice(context.Context, string, *big.Int) error    { return nil }
func (s *stubChannels) AddAdmin(context.Context, domain.ChannelAdmin) error    { return nil }
func (s *stubChannels) RemoveAdmin(context.Context, string, string) error      { return nil }
func (s *stubChannels) GetAdminRole(context.Context, string, string) (domain.ChannelAdminRole, error) {
	return "", domain.ErrNotFound
}

type stubUsers struct{ m map[string]domain.User }

func (s *stubUsers) UpsertByTGID(_ context.Context, p domain.TelegramProfile) (domain.User, error) {
	return domain.User{}, nil
}
func (s *stubUsers) GetByID(_ context.Context, id string) (domain.User, error) {
	u, ok := s.m[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (s *stubUsers) GetByTGID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

type stubAccess struct{ allowed map[string]bool }

func (s *stubAccess) CanManage(_ context.Context, userID, channelID string) (bool, error) {
	return s.allowed[userID+"/"+channelID], nil
}

type stubChannelAPI struct {
	admin    bool
	adminErr error
}

func (s *stubChannelAPI) IsChannelAdmin(context.Context, int64, int64) (bool, error) {
	return s.admin, s.adminErr
}
func (s *stubChannelAPI) PostExists(context.Context, int64, int64) (bool, error) { return true, nil }

type stubDeriver struct {
	unavailable bool
	calls       int
}

func (s *stubDeriver) DeriveAddress(dealID string) (string, error) {
	s.calls++
	if s.unavailable {
		return "", domain.ErrEscrowUnavailable
	}
	return "EQ-" + dealID, nil
}

type stubIndexer struct{ balance *big.Int }

func (s *stubIndexer) GetBalance(context.Context, string) *big.Int {
	if s.balance == nil {
		return big.NewInt(0)
	}
	return s.balance
}

type stubQueue struct{ events []domain.DealEvent }

func (s *stubQueue) Publish(_ context.Context, e domain.DealEvent) error {
	s.events = append(s.events, e)
	return nil
}
func (s *stubQueue) Pop(context.Context) (domain.DealEvent, error) {
	return domain.DealEvent{}, errors.New("пусто")
}

type fixture struct {
	svc      *Service
	deals    *stubDeals
	deriver  *stubDeriver
	queue    *stubQueue
	api      *stubChannelAPI
	access   *stubAccess
	owner    domain.User
	manager  domain.User
	stranger domain.User
}

const (
	advertiserID = "adv-1"
	channelID    = "chan-1"
	campaignID   = "camp-1"
)

func newFixture() *fixture {
	dealsRepo := newStubDeals()
	campaigns := &stubCampaigns{m: map[string]domain.Campaign{
		campaignID: {ID: campaignID, ChannelID: channelID, AdvertiserID: advertiserID, Status: domain.CampaignAccepted},
	}}
	channels := &stubChannels{m: map[string]domain.Channel{
		channelID: {ID: channelID, OwnerID: "owner-1", TGChannelID: -100123, Alias: "demo", PricePerPostNano: big.NewInt(1_000_000_000)},
	}}
	users := &stubUsers{m: map[string]domain.User{
		"owner-1": {ID: "owner-1", TGUserID: 777},
	}}
	access := &stubAccess{allowed: map[string]bool{
		"owner-1/" + channelID: true,
		"pr-1/" + channelID:    true,
	}}
	api := &stubChannelAPI{admin: true}
	deriver := &stubDeriver{}
	queue := &stubQueue{}
	svc := NewService(dealsRepo, campaigns, channels, users, access, api, deriver, &stubIndexer{}, ReferenceOnlyVerifier{}, queue, nil, zerolog.Nop())
	return &fixture{
		svc:      svc,
		deals:    dealsRepo,
		deriver:  deriver,
		queue:    queue,
		api:      api,
		access:   access,
		owner:    domain.User{ID: "owner-1", TGUserID: 777},
		manager:  domain.User{ID: "pr-1", TGUserID: 888},
		stranger: domain.User{ID: "stranger", TGUserID: 999},
	}
}

func (f *fixture) createDeal(t *testing.T, amount int64) domain.Deal {
	t.Helper()
	deal, err := f.svc.Create(context.Background(), advertiserID, campaignID, big.NewInt(amount))
	if err != nil {
		t.Fatalf("не ожидали ошибку создания: %v", err)
	}
	return deal
}

func TestCreateRejectsAmountBelowPrice(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), advertiserID, campaignID, big.NewInt(999_999_999))
	if !errors.Is(err, domain.ErrAmountTooLow) {
		t.Fatalf("ожидали ErrAmountTooLow, получили %v", err)
	}
	if len(f.deals.m) != 0 {
		t.Fatalf("сделка не должна была создаться")
	}
	if f.deriver.calls != 0 {
		t.Fatalf("адрес не должен был выводиться")
	}
}

func TestCreateDerivesEscrowAddress(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 2_000_000_000)
	if deal.EscrowAddress != "EQ-"+deal.ID {
		t.Fatalf("ожидали выведенный адрес, получили %q", deal.EscrowAddress)
	}
	stored := f.deals.m[deal.ID]
	if stored.EscrowAddress != deal.EscrowAddress {
		t.Fatalf("адрес должен быть сохранён")
	}
	if len(f.queue.events) != 1 || f.queue.events[0].Type != domain.EventDealCreated {
		t.Fatalf("ожидали событие deal_created")
	}
}

func TestCreateWithoutMasterSecret(t *testing.T) {
	f := newFixture()
	f.deriver.unavailable = true
	deal := f.createDeal(t, 1_000_000_000)
	if deal.EscrowAddress != "" {
		t.Fatalf("без секрета адрес должен остаться пустым")
	}
	if deal.Status != domain.DealPending {
		t.Fatalf("сделка должна существовать в Pending")
	}
}

func TestCreateRequiresAcceptedCampaign(t *testing.T) {
	f := newFixture()
	campaigns := f.svc.campaigns.(*stubCampaigns)
	c := campaigns.m[campaignID]
	c.Status = domain.CampaignPending
	campaigns.m[campaignID] = c
	if _, err := f.svc.Create(context.Background(), advertiserID, campaignID, big.NewInt(2_000_000_000)); !errors.Is(err, domain.ErrWrongStatus) {
		t.Fatalf("ожидали ErrWrongStatus, получили %v", err)
	}
}

func TestCreateForeignCampaignLooksMissing(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Create(context.Background(), "other-adv", campaignID, big.NewInt(2_000_000_000)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestCreateOwnerLostAdmin(t *testing.T) {
	f := newFixture()
	f.api.admin = false
	if _, err := f.svc.Create(context.Background(), advertiserID, campaignID, big.NewInt(2_000_000_000)); !errors.Is(err, domain.ErrAdminLost) {
		t.Fatalf("ожидали ErrAdminLost, получили %v", err)
	}
	if len(f.deals.m) != 0 {
		t.Fatalf("сделка не должна была создаться")
	}
}

func TestConfirmFunding(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_500_000_000)

	if err := f.svc.ConfirmFunding(context.Background(), "other-adv", deal.ID, "tx-abc"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("чужая сделка: ожидали ErrForbidden, получили %v", err)
	}
	if err := f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("пустая ссылка: ожидали ErrValidation, получили %v", err)
	}
	if err := f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-abc"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored := f.deals.m[deal.ID]
	if stored.Status != domain.DealFunded || stored.TxReference != "tx-abc" {
		t.Fatalf("ожидали Funded с tx-abc, получили %s %q", stored.Status, stored.TxReference)
	}
	if err := f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-second"); !errors.Is(err, domain.ErrWrongStatus) {
		t.Fatalf("повторное подтверждение: ожидали ErrWrongStatus, получили %v", err)
	}
}

func TestUploadDraftAuthorization(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_000_000_000)
	_ = f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-1")

	if err := f.svc.UploadDraft(context.Background(), f.stranger, deal.ID, "текст", nil); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("посторонний: ожидали ErrForbidden, получили %v", err)
	}

	f.api.admin = false
	if err := f.svc.UploadDraft(context.Background(), f.manager, deal.ID, "текст", nil); !errors.Is(err, domain.ErrAdminLost) {
		t.Fatalf("слетевший админ: ожидали ErrAdminLost, получили %v", err)
	}
	if f.deals.m[deal.ID].Status != domain.DealFunded {
		t.Fatalf("статус не должен был измениться")
	}

	f.api.admin = true
	if err := f.svc.UploadDraft(context.Background(), f.manager, deal.ID, "Buy now", []string{"x.png"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored := f.deals.m[deal.ID]
	if stored.Status != domain.DealDraftReview || stored.DraftText != "Buy now" {
		t.Fatalf("ожидали DraftReview с черновиком, получили %s %q", stored.Status, stored.DraftText)
	}
}

func TestReviewDraftApproveSnapshotsFingerprint(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_000_000_000)
	_ = f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-1")
	_ = f.svc.UploadDraft(context.Background(), f.manager, deal.ID, "Buy now", []string{"x.png"})

	if err := f.svc.ReviewDraft(context.Background(), advertiserID, deal.ID, true, ""); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored := f.deals.m[deal.ID]
	if stored.Status != domain.DealScheduled {
		t.Fatalf("ожидали Scheduled, получили %s", stored.Status)
	}
	if stored.DraftContentHash != domain.FingerprintDraft("Buy now", []string{"x.png"}) {
		t.Fatalf("отпечаток должен совпадать с отпечатком одобренного черновика")
	}
}

func TestReviewDraftRejectClearsDraft(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_000_000_000)
	_ = f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-1")
	_ = f.svc.UploadDraft(context.Background(), f.manager, deal.ID, "черновик", []string{"a.png"})

	if err := f.svc.ReviewDraft(context.Background(), advertiserID, deal.ID, false, "не тот тон"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored := f.deals.m[deal.ID]
	if stored.Status != domain.DealFunded {
		t.Fatalf("после отклонения ожидали Funded, получили %s", stored.Status)
	}
	if stored.DraftText != "" || len(stored.DraftMediaURLs) != 0 {
		t.Fatalf("черновик должен быть очищен")
	}
	if !stored.DraftRejected || stored.DraftRejectReason != "не тот тон" {
		t.Fatalf("причина отклонения должна сохраниться")
	}
	if stored.TxReference != "tx-1" {
		t.Fatalf("деньги и ссылка на транзакцию не должны трогаться")
	}
}

func TestScheduleGuards(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_000_000_000)
	_ = f.svc.ConfirmFunding(context.Background(), advertiserID, deal.ID, "tx-1")
	_ = f.svc.UploadDraft(context.Background(), f.manager, deal.ID, "текст", nil)
	_ = f.svc.ReviewDraft(context.Background(), advertiserID, deal.ID, true, "")

	at := time.Now().Add(2 * time.Hour)
	if err := f.svc.Schedule(context.Background(), f.stranger, deal.ID, at); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("посторонний: ожидали ErrForbidden, получили %v", err)
	}
	advertiser := domain.User{ID: advertiserID, TGUserID: 111}
	if err := f.svc.Schedule(context.Background(), advertiser, deal.ID, at); err != nil {
		t.Fatalf("рекламодатель: не ожидали ошибку: %v", err)
	}
	stored := f.deals.m[deal.ID]
	if stored.Status != domain.DealScheduled || stored.ScheduledAt == nil {
		t.Fatalf("перенос не должен менять статус, но должен задать время")
	}
}

func TestStateMachineLegality(t *testing.T) {
	ctx := context.Background()
	advertiser := domain.User{ID: advertiserID, TGUserID: 111}

	// Каждой операции разрешён ровно один исходный статус; из любого
	// другого она должна падать, не меняя сделку.
	operations := map[string]struct {
		allowed domain.DealStatus
		run     func(f *fixture, dealID string) error
	}{
		"confirm_funding": {domain.DealPending, func(f *fixture, id string) error {
			return f.svc.ConfirmFunding(ctx, advertiserID, id, "tx-x")
		}},
		"upload_draft": {domain.DealFunded, func(f *fixture, id string) error {
			return f.svc.UploadDraft(ctx, f.manager, id, "текст", nil)
		}},
		"approve_draft": {domain.DealDraftReview, func(f *fixture, id string) error {
			return f.svc.ReviewDraft(ctx, advertiserID, id, true, "")
		}},
		"reject_draft": {domain.DealDraftReview, func(f *fixture, id string) error {
			return f.svc.ReviewDraft(ctx, advertiserID, id, false, "причина")
		}},
		"schedule": {domain.DealScheduled, func(f *fixture, id string) error {
			return f.svc.Schedule(ctx, advertiser, id, time.Now().Add(time.Hour))
		}},
		"mark_published": {domain.DealScheduled, func(f *fixture, id string) error {
			return f.svc.MarkPublished(ctx, id, 42, time.Now())
		}},
	}
	statuses := []domain.DealStatus{
		domain.DealPending, domain.DealFunded, domain.DealDraftReview,
		domain.DealScheduled, domain.DealPublished, domain.DealCompleted, domain.DealRefunded,
	}

	for name, op := range operations {
		for _, status := range statuses {
			if status == op.allowed {
				continue
			}
			f := newFixture()
			deal := f.createDeal(t, 1_000_000_000)
			forced := f.deals.m[deal.ID]
			forced.Status = status
			forced.DraftText = "текст"
			f.deals.m[deal.ID] = forced

			before := f.deals.m[deal.ID]
			err := op.run(f, deal.ID)
			if err == nil {
				t.Fatalf("%s из %s: ожидали отказ", name, status)
			}
			after := f.deals.m[deal.ID]
			if !reflect.DeepEqual(before, after) {
				t.Fatalf("%s из %s: сделка изменилась при отказе", name, status)
			}
		}
	}
}

func TestEscrowInfoRetriesDerivation(t *testing.T) {
	f := newFixture()
	f.deriver.unavailable = true
	deal := f.createDeal(t, 1_000_000_000)
	if deal.EscrowAddress != "" {
		t.Fatalf("адрес должен отсутствовать")
	}

	// Оператор задал секрет и перезапустил процесс.
	f.deriver.unavailable = false
	info, err := f.svc.EscrowInfo(context.Background(), advertiserID, deal.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if info.Address != "EQ-"+deal.ID {
		t.Fatalf("адрес должен был довестись, получили %q", info.Address)
	}
	if f.deals.m[deal.ID].EscrowAddress != info.Address {
		t.Fatalf("адрес должен быть сохранён")
	}
}

func TestEscrowInfoHiddenFromStranger(t *testing.T) {
	f := newFixture()
	deal := f.createDeal(t, 1_000_000_000)
	if _, err := f.svc.EscrowInfo(context.Background(), f.stranger.ID, deal.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("посторонний: ожидали ErrNotFound, получили %v", err)
	}
}
