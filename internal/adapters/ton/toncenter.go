package ton

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-admarket/internal/infra/metrics"
)

const (
	mainnetToncenter = "https://toncenter.com/api/v2"
	testnetToncenter = "https://testnet.toncenter.com/api/v2"
)

// Toncenter читает баланс эскроу-адресов через toncenter. Данные
// информационные: любая ошибка превращается в нулевой баланс.
type Toncenter struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewToncenter создаёт клиент. Пустой baseURL выбирает публичный
// эндпоинт по сети.
func NewToncenter(baseURL string, testnet bool, log zerolog.Logger) *Toncenter {
	if baseURL == "" {
		if testnet {
			baseURL = testnetToncenter
		} else {
			baseURL = mainnetToncenter
		}
	}
	return &Toncenter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
		minDelay:   200 * time.Millisecond,
	}
}

func (c *Toncenter) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastCall); elapsed < c.minDelay {
		time.Sleep(c.minDelay - elapsed)
	}
	c.lastCall = time.Now()
}

// GetBalance возвращает баланс адреса в нанотонах, ноль при любой ошибке.
func (c *Toncenter) GetBalance(ctx context.Context, address string) *big.Int {
	balance, err := c.fetchBalance(ctx, address)
	if err != nil {
		c.log.Warn().Err(err).Str("address", address).Msg("toncenter: баланс недоступен")
		return big.NewInt(0)
	}
	return balance
}

func (c *Toncenter) fetchBalance(ctx context.Context, address string) (*big.Int, error) {
	c.throttle()

	endpoint := fmt.Sprintf("%s/getAddressBalance?address=%s", c.baseURL, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("toncenter", "get_balance", "toncenter", start, err)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("toncenter status %d", resp.StatusCode)
	}

	var parsed struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("toncenter ответил ok=false")
	}
	balance, ok := new(big.Int).SetString(parsed.Result, 10)
	if !ok {
		return nil, fmt.Errorf("некорректный баланс %q", parsed.Result)
	}
	return balance, nil
}
