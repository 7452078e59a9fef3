package verification

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
)

type finalization struct {
	status domain.DealStatus
	failed bool
	notes  string
}

type stubDealRepo struct {
	deals     map[string]domain.VerifiableDeal
	finalized map[string]finalization
	listErr   error
}

func newStubDealRepo() *stubDealRepo {
	return &stubDealRepo{
		deals:     map[string]domain.VerifiableDeal{},
		finalized: map[string]finalization{},
	}
}

func (s *stubDealRepo) ListVerifiable(_ context.Context, deadline time.Time) ([]domain.VerifiableDeal, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.VerifiableDeal
	for _, deal := range s.deals {
		if deal.Status != domain.DealPublished ||
			deal.PublishedAt == nil || deal.PublishedAt.After(deadline) ||
			deal.VerifiedAt != nil || deal.VerificationFailed ||
			deal.PublishedPostID == nil {
			continue
		}
		out = append(out, deal)
	}
	return out, nil
}

func (s *stubDealRepo) Finalize(_ context.Context, dealID string, status domain.DealStatus, failed bool, notes string, at time.Time) error {
	deal, ok := s.deals[dealID]
	if !ok {
		return domain.ErrNotFound
	}
	if deal.Status != domain.DealPublished || deal.VerifiedAt != nil {
		return domain.ErrWrongStatus
	}
	deal.Status = status
	deal.VerificationFailed = failed
	deal.VerificationNotes = notes
	deal.VerifiedAt = &at
	s.deals[dealID] = deal
	s.finalized[dealID] = finalization{status: status, failed: failed, notes: notes}
	return nil
}

func (s *stubDealRepo) CreateDeal(_ context.Context, d domain.Deal) (domain.Deal, error) {
	return d, nil
}
func (s *stubDealRepo) GetDeal(context.Context, string) (domain.Deal, error) {
	return domain.Deal{}, domain.ErrNotFound
}
func (s *stubDealRepo) ListDealsForUser(context.Context, string) ([]domain.Deal, error) {
	return nil, nil
}
func (s *stubDealRepo) SetEscrowAddressIfEmpty(context.Context, string, string) error { return nil }
func (s *stubDealRepo) MarkFunded(context.Context, string, string) error              { return nil }
func (s *stubDealRepo) SetDraft(context.Context, string, string, []string) error      { return nil }
func (s *stubDealRepo) ApproveDraft(context.Context, string, string) error            { return nil }
func (s *stubDealRepo) RejectDraft(context.Context, string, string) error             { return nil }
func (s *stubDealRepo) SetScheduledAt(context.Context, string, time.Time) error       { return nil }
func (s *stubDealRepo) MarkPublished(context.Context, string, int64, time.Time) error { return nil }

type stubChannelAPI struct {
	exists map[int64]bool
	errs   map[int64]error
	calls  int
}

func (s *stubChannelAPI) IsChannelAdmin(context.Context, int64, int64) (bool, error) {
	return false, errors.New("не используется")
}

func (s *stubChannelAPI) PostExists(_ context.Context, _ int64, messageID int64) (bool, error) {
	s.calls++
	if err := s.errs[messageID]; err != nil {
		return false, err
	}
	return s.exists[messageID], nil
}

type stubPosts struct {
	texts map[int64]string
	errs  map[int64]error
	calls int
}

func (s *stubPosts) GetPostText(_ context.Context, _ string, messageID int64) (string, error) {
	s.calls++
	if err := s.errs[messageID]; err != nil {
		return "", err
	}
	return s.texts[messageID], nil
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
	worker *Worker
	repo   *stubDealRepo
	api    *stubChannelAPI
	posts  *stubPosts
	queue  *stubQueue
}

func newFixture() *fixture {
	repo := newStubDealRepo()
	api := &stubChannelAPI{exists: map[int64]bool{}, errs: map[int64]error{}}
	posts := &stubPosts{texts: map[int64]string{}, errs: map[int64]error{}}
	queue := &stubQueue{}
	worker := NewWorker(repo, api, posts, queue, nil, zerolog.Nop(), 24*time.Hour, 10*time.Minute)
	return &fixture{worker: worker, repo: repo, api: api, posts: posts, queue: queue}
}

func (f *fixture) addDeal(id string, postID int64, publishedAgo time.Duration, hash string, mediaURLs ...string) {
	publishedAt := time.Now().UTC().Add(-publishedAgo)
	f.repo.deals[id] = domain.VerifiableDeal{
		Deal: domain.Deal{
			ID:               id,
			AmountNano:       big.NewInt(1_000_000_000),
			Status:           domain.DealPublished,
			DraftMediaURLs:   mediaURLs,
			DraftContentHash: hash,
			PublishedPostID:  &postID,
			PublishedAt:      &publishedAt,
		},
		ChannelTGID:  -100555,
		ChannelAlias: "demo",
	}
}

func TestSweepPostDeleted(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, domain.FingerprintText("Buy now"))
	f.api.exists[10] = false

	f.worker.Sweep(context.Background())

	got := f.repo.finalized["d1"]
	if got.status != domain.DealRefunded || !got.failed {
		t.Fatalf("ожидали Refunded с флагом провала, получили %+v", got)
	}
	if got.notes != "post deleted within window" {
		t.Fatalf("ожидали заметку об удалении, получили %q", got.notes)
	}
	if f.posts.calls != 0 {
		t.Fatalf("текст удалённого поста читать незачем")
	}
	if len(f.queue.events) != 1 || f.queue.events[0].Type != domain.EventDealRefunded {
		t.Fatalf("ожидали событие deal_refunded")
	}
}

func TestSweepContentChanged(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, domain.FingerprintDraft("Buy now", []string{"x.png"}), "x.png")
	f.api.exists[10] = true
	f.posts.texts[10] = "Buy now!!"

	f.worker.Sweep(context.Background())

	got := f.repo.finalized["d1"]
	if got.status != domain.DealRefunded || !got.failed || got.notes != "content hash mismatch" {
		t.Fatalf("ожидали Refunded из-за подмены текста, получили %+v", got)
	}
}

func TestSweepIntact(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, domain.FingerprintDraft("Buy now", []string{"x.png"}), "x.png")
	f.api.exists[10] = true
	f.posts.texts[10] = "  Buy now \n"

	f.worker.Sweep(context.Background())

	got := f.repo.finalized["d1"]
	if got.status != domain.DealCompleted || got.failed || got.notes != "verified intact" {
		t.Fatalf("ожидали Completed, получили %+v", got)
	}
	if len(f.queue.events) != 1 || f.queue.events[0].Type != domain.EventDealCompleted {
		t.Fatalf("ожидали событие deal_completed")
	}
}

func TestSweepWithoutHashSkipsTextCheck(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, "")
	f.api.exists[10] = true

	f.worker.Sweep(context.Background())

	if got := f.repo.finalized["d1"]; got.status != domain.DealCompleted {
		t.Fatalf("без отпечатка достаточно наличия поста, получили %+v", got)
	}
	if f.posts.calls != 0 {
		t.Fatalf("без отпечатка текст не читается")
	}
}

func TestSweepIgnoresDealsInsideWindow(t *testing.T) {
	f := newFixture()
	f.addDeal("fresh", 10, time.Hour, "")
	f.api.exists[10] = false

	f.worker.Sweep(context.Background())

	if len(f.repo.finalized) != 0 {
		t.Fatalf("сделка внутри окна не должна трогаться")
	}
	if f.api.calls != 0 {
		t.Fatalf("свежие посты не проверяются")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, "")
	f.api.exists[10] = true

	f.worker.Sweep(context.Background())
	f.worker.Sweep(context.Background())

	if f.api.calls != 1 {
		t.Fatalf("финализированная сделка не должна попадать во второй проход, вызовов %d", f.api.calls)
	}
	if len(f.queue.events) != 1 {
		t.Fatalf("событие должно уйти один раз, получили %d", len(f.queue.events))
	}
}

func TestSweepTransientErrorLeavesDealUntouched(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, "")
	f.api.errs[10] = errors.New("таймаут Bot API")

	f.worker.Sweep(context.Background())

	if len(f.repo.finalized) != 0 {
		t.Fatalf("сбой проверки не повод финализировать сделку")
	}
	deal := f.repo.deals["d1"]
	if deal.Status != domain.DealPublished || deal.VerifiedAt != nil {
		t.Fatalf("сделка должна остаться нетронутой")
	}

	// Следующий проход, когда API ожил.
	delete(f.api.errs, 10)
	f.api.exists[10] = true
	f.worker.Sweep(context.Background())

	if got := f.repo.finalized["d1"]; got.status != domain.DealCompleted {
		t.Fatalf("после восстановления API сделка должна завершиться, получили %+v", got)
	}
}

func TestSweepTextReadErrorLeavesDealUntouched(t *testing.T) {
	f := newFixture()
	f.addDeal("d1", 10, 25*time.Hour, domain.FingerprintText("Buy now"))
	f.api.exists[10] = true
	f.posts.errs[10] = errors.New("MTProto недоступен")

	f.worker.Sweep(context.Background())

	if len(f.repo.finalized) != 0 {
		t.Fatalf("сбой чтения текста не повод финализировать сделку")
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture()
	f.addDeal("broken", 10, 25*time.Hour, "")
	f.addDeal("healthy", 20, 25*time.Hour, "")
	f.api.errs[10] = errors.New("таймаут")
	f.api.exists[20] = true

	f.worker.Sweep(context.Background())

	if _, ok := f.repo.finalized["broken"]; ok {
		t.Fatalf("сбойная сделка не должна финализироваться")
	}
	if got := f.repo.finalized["healthy"]; got.status != domain.DealCompleted {
		t.Fatalf("сбой соседа не должен мешать здоровой сделке, получили %+v", got)
	}
}

func TestSweepListErrorIsSoft(t *testing.T) {
	f := newFixture()
	f.repo.listErr = errors.New("база недоступна")
	f.worker.Sweep(context.Background())
	if len(f.repo.finalized) != 0 {
		t.Fatalf("без выборки нечего финализировать")
	}
}

func TestWorkerDefaults(t *testing.T) {
	w := NewWorker(newStubDealRepo(), &stubChannelAPI{}, &stubPosts{}, nil, nil, zerolog.Nop(), 0, 0)
	if w.window != 24*time.Hour {
		t.Fatalf("окно по умолчанию 24 часа, получили %v", w.window)
	}
	if w.interval != 10*time.Minute {
		t.Fatalf("интервал по умолчанию 10 минут, получили %v", w.interval)
	}
}
