package elm

import (
	"context"
	"strings"
	"sync"
	"time"

	"elm327-diag/transport"
)

// reply - ответ имитатора адаптера; silent означает отсутствие ответа
type reply struct {
	text   string
	delay  time.Duration
	silent bool
}

// fakeAdapter - транспорт, отвечающий по сценарию и записывающий все команды
type fakeAdapter struct {
	mu         sync.Mutex
	respond    func(cmd string) reply
	onData     transport.DataHandler
	onError    transport.ErrorHandler
	open       bool
	writes     []string
	writeTimes []time.Time
	closeCount int
	openErr    error
	writeErr   error
}

func newFakeAdapter(respond func(cmd string) reply) *fakeAdapter {
	if respond == nil {
		respond = defaultReplies
	}
	return &fakeAdapter{respond: respond}
}

func defaultReplies(cmd string) reply {
	switch {
	case cmd == "ATZ":
		return reply{text: "ATZ\r\r\rELM327 v1.5"}
	case cmd == "ATI":
		return reply{text: "ELM327 v1.5"}
	case cmd == "ATDPN":
		return reply{text: "A6"}
	case cmd == "ATRV":
		return reply{text: "12.6V"}
	case strings.HasPrefix(cmd, "AT"):
		return reply{text: "OK"}
	case cmd == "010C":
		return reply{text: "7E8 04 41 0C 1A F8"}
	case cmd == "SILENT":
		return reply{silent: true}
	default:
		return reply{text: "NO DATA"}
	}
}

func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) Open(ctx context.Context, onData transport.DataHandler, onError transport.ErrorHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return &transport.Error{Op: "open", Kind: "fake", Err: f.openErr}
	}
	f.onData = onData
	f.onError = onError
	f.open = true
	return nil
}

func (f *fakeAdapter) Write(p []byte) error {
	cmd := strings.TrimSuffix(string(p), "\r")

	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return &transport.Error{Op: "write", Kind: "fake", Err: transport.ErrNotOpen}
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return &transport.Error{Op: "write", Kind: "fake", Err: err}
	}
	f.writes = append(f.writes, cmd)
	f.writeTimes = append(f.writeTimes, time.Now())
	onData := f.onData
	r := f.respond(cmd)
	f.mu.Unlock()

	if r.silent {
		return nil
	}
	go func() {
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		// Ответ приходит двумя фрагментами, как по BLE/RFCOMM
		full := r.text + "\r\r>"
		half := len(full) / 2
		onData([]byte(full[:half]))
		onData([]byte(full[half:]))
	}()
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closeCount++
	return nil
}

// failRead имитирует обрыв соединения на стороне чтения
func (f *fakeAdapter) failRead(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()
	onError(&transport.Error{Op: "read", Kind: "fake", Err: err})
}

func (f *fakeAdapter) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeAdapter) WriteTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.writeTimes...)
}

func testConfig() Config {
	return Config{
		MinDelay:   10 * time.Millisecond,
		Timeout:    500 * time.Millisecond,
		ResetDelay: 40 * time.Millisecond,
		StepDelay:  2 * time.Millisecond,
	}
}

func (f *fakeAdapter) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}
