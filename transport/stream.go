package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// stream - транспорт поверх любого io.ReadWriteCloser с отдельной горутиной чтения
type stream struct {
	kind   string
	dial   func(ctx context.Context) (io.ReadWriteCloser, error)
	logger *zap.Logger

	connMutex sync.Mutex
	conn      io.ReadWriteCloser
	closing   bool
	wg        sync.WaitGroup
}

func newStream(kind string, dial func(ctx context.Context) (io.ReadWriteCloser, error), logger *zap.Logger) *stream {
	return &stream{
		kind:   kind,
		dial:   dial,
		logger: logger.Named("transport").With(zap.String("kind", kind)),
	}
}

func (s *stream) Kind() string { return s.kind }

// Open открывает канал и запускает чтение
func (s *stream) Open(ctx context.Context, onData DataHandler, onError ErrorHandler) error {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	if s.conn != nil {
		return &Error{Op: "open", Kind: s.kind, Err: errors.New("already open")}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return &Error{Op: "open", Kind: s.kind, Err: err}
	}
	s.conn = conn
	s.closing = false

	s.wg.Add(1)
	go s.readLoop(conn, onData, onError)

	s.logger.Info("Transport opened")
	return nil
}

// readLoop читает данные и передает их обработчику без разбора на кадры
func (s *stream) readLoop(conn io.ReadWriteCloser, onData DataHandler, onError ErrorHandler) {
	defer s.wg.Done()

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err == nil {
			// Таймаут чтения последовательного порта возвращает 0, nil
			continue
		}
		if s.isClosing() {
			return
		}
		s.logger.Error("Read error", zap.Error(err))
		if onError != nil {
			onError(&Error{Op: "read", Kind: s.kind, Err: err})
		}
		return
	}
}

func (s *stream) isClosing() bool {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	return s.closing
}

// Write записывает байты целиком
func (s *stream) Write(p []byte) error {
	s.connMutex.Lock()
	conn := s.conn
	s.connMutex.Unlock()

	if conn == nil {
		return &Error{Op: "write", Kind: s.kind, Err: ErrNotOpen}
	}
	if _, err := conn.Write(p); err != nil {
		return &Error{Op: "write", Kind: s.kind, Err: err}
	}
	return nil
}

// Close закрывает канал и дожидается завершения чтения
func (s *stream) Close() error {
	s.connMutex.Lock()
	conn := s.conn
	s.conn = nil
	s.closing = true
	s.connMutex.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	s.wg.Wait()
	s.logger.Info("Transport closed")
	if err != nil {
		return &Error{Op: "close", Kind: s.kind, Err: err}
	}
	return nil
}
