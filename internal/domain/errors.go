package domain

import "errors"

var (
	// ErrNotFound — сущность не существует или недоступна вызывающему.
	ErrNotFound = errors.New("не найдено")
	// ErrForbidden — операция запрещена для этого пользователя.
	ErrForbidden = errors.New("операция запрещена")
	// ErrWrongStatus — сделка или кампания не в том статусе для перехода.
	ErrWrongStatus = errors.New("недопустимый статус")
	// ErrAmountTooLow — сумма сделки меньше цены размещения в канале.
	ErrAmountTooLow = errors.New("сумма меньше цены канала")
	// ErrEscrowUnavailable — мастер-секрет эскроу не сконфигурирован.
	ErrEscrowUnavailable = errors.New("эскроу недоступен: мастер-секрет не задан")
	// ErrValidation — входные данные не прошли базовую проверку.
	ErrValidation = errors.New("некорректные данные")
	// ErrAdminLost — пользователь больше не админ канала в Telegram.
	ErrAdminLost = errors.New("пользователь больше не админ канала")
)
