package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"elm327-diag/common"
)

// Frame - сообщение, отправляемое всем WebSocket клиентам
type Frame struct {
	Type        string              `json:"type"` // readings, predictions
	Module      string              `json:"module,omitempty"`
	Readings    []common.Telemetry  `json:"readings,omitempty"`
	Predictions []common.Prediction `json:"predictions,omitempty"`
	Stamp       int64               `json:"stamp"` // Unix ms
}

type wsClient struct {
	send  chan []byte
	close func() error
}

// Hub рассылает показания и прогнозы подключенным клиентам
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub создает хаб WebSocket
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients возвращает число подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP переводит соединение на WebSocket и регистрирует клиента
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{send: make(chan []byte, 64), close: conn.Close}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client connected", zap.Int("total", total))

	// Запись
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Чтение нужно только для обнаружения закрытия
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			total := len(h.clients)
			h.mu.Unlock()
			close(client.send)
			h.logger.Info("Client disconnected", zap.Int("total", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("Failed to encode frame", zap.Error(err))
		return
	}

	var slow []*wsClient
	h.mu.Lock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	// Закрытие соединения завершает горутину чтения, она закрывает send
	for _, client := range slow {
		h.logger.Warn("Slow client dropped")
		client.close()
	}
}

// PublishReadings рассылает показания модуля
func (h *Hub) PublishReadings(module string, readings []common.Telemetry) {
	h.broadcast(Frame{Type: "readings", Module: module, Readings: readings, Stamp: time.Now().UnixMilli()})
}

// PublishPredictions рассылает результат анализа
func (h *Hub) PublishPredictions(predictions []common.Prediction) error {
	h.broadcast(Frame{Type: "predictions", Predictions: predictions, Stamp: time.Now().UnixMilli()})
	return nil
}
