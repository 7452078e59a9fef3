package ton

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/tonkeeper/tongo/wallet"

	"tg-admarket/internal/domain"
)

// Deriver детерминированно выводит эскроу-адрес сделки из одного
// мастер-секрета оператора. Ключи по сделкам нигде не хранятся:
// адрес воспроизводится из (мастер-сид, dealID) в любой момент.
type Deriver struct {
	masterSeed []byte
	testnet    bool
}

var _ domain.EscrowDeriver = (*Deriver)(nil)

// NewDeriver создаёт deriver из мнемоники. Пустая мнемоника даёт
// отключённый deriver: DeriveAddress вернёт ErrEscrowUnavailable,
// а создание сделок продолжит работать без адреса.
func NewDeriver(mnemonic string, testnet bool) (*Deriver, error) {
	normalized := strings.Join(strings.Fields(mnemonic), " ")
	if normalized == "" {
		return &Deriver{testnet: testnet}, nil
	}
	masterKey, err := wallet.SeedToPrivateKey(normalized)
	if err != nil {
		return nil, fmt.Errorf("мнемоника эскроу: %w", err)
	}
	return &Deriver{masterSeed: masterKey.Seed(), testnet: testnet}, nil
}

// DeriveAddress выводит адрес кошелька v4 (workchain 0) для сделки.
// Одна и та же пара (секрет, dealID) всегда даёт один адрес.
func (d *Deriver) DeriveAddress(dealID string) (string, error) {
	if len(d.masterSeed) == 0 {
		return "", domain.ErrEscrowUnavailable
	}
	if dealID == "" {
		return "", domain.ErrValidation
	}
	h := sha256.New()
	h.Write(d.masterSeed)
	h.Write([]byte(dealID))
	dealSeed := h.Sum(nil)

	private := ed25519.NewKeyFromSeed(dealSeed)
	public := private.Public().(ed25519.PublicKey)

	accountID, err := wallet.GenerateWalletAddress(public, wallet.V4R2, nil, 0, nil)
	if err != nil {
		return "", fmt.Errorf("вывод адреса кошелька: %w", err)
	}
	return accountID.ToHuman(true, d.testnet), nil
}

// Enabled сообщает, задан ли мастер-секрет.
func (d *Deriver) Enabled() bool {
	return len(d.masterSeed) != 0
}
