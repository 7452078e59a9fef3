package deals

import (
	"context"
	"strings"

	"tg-admarket/internal/domain"
)

// ReferenceOnlyVerifier принимает любую непустую ссылку на транзакцию,
// не сверяясь с цепочкой. Это осознанная дыра исходной системы,
// вынесенная за интерфейс: сюда подключается настоящая проверка
// по индексатору, когда она появится.
type ReferenceOnlyVerifier struct{}

var _ domain.FundingVerifier = ReferenceOnlyVerifier{}

// VerifyFunding реализует domain.FundingVerifier.
func (ReferenceOnlyVerifier) VerifyFunding(ctx context.Context, address, txReference string) (bool, error) {
	return strings.TrimSpace(txReference) != "", nil
}
