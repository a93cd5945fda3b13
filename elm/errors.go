package elm

import "errors"

var (
	// ErrCommandTimeout - адаптер не прислал приглашение '>' до истечения таймаута команды.
	// Ошибка восстановимая: очередь продолжает работу.
	ErrCommandTimeout = errors.New("elm: command timeout")

	// ErrSessionClosed получают все команды в очереди и в полете при отключении
	ErrSessionClosed = errors.New("elm: session closed")

	// ErrNotConnected возвращается сразу, без постановки в очередь
	ErrNotConnected = errors.New("elm: not connected")
)
