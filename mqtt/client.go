package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`                 // Включить мост MQTT
	Broker         string        `mapstructure:"broker" yaml:"broker"`                   // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username" yaml:"username"`               // Имя пользователя (опционально)
	Password       string        `mapstructure:"password" yaml:"password"`               // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`             // ID клиента (опционально, генерируется если пустой)
	DataTopic      string        `mapstructure:"data_topic" yaml:"data_topic"`           // Базовый топик для данных телеметрии
	CommandTopic   string        `mapstructure:"command_topic" yaml:"command_topic"`     // Базовый топик для команд
	QoS            byte          `mapstructure:"qos" yaml:"qos"`                         // Quality of Service (0, 1, 2)
	KeepAlive      int           `mapstructure:"keep_alive" yaml:"keep_alive"`           // Интервал keep alive в секундах
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"` // Таймаут подключения
	AutoReconnect  bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`   // Автоматическое переподключение
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size"`         // Очередь телеметрии на публикацию
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	return "elm327-diag-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Broker:         "tcp://localhost:1883",
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		BufferSize:     256,
	}
}

// unknownVIN используется в топиках, пока VIN не прочитан
const unknownVIN = "unknown"

// TelemetryMessage представляет сообщение с данными телеметрии для MQTT
type TelemetryMessage struct {
	VIN       string    `json:"vin"`
	Module    string    `json:"module"`
	PID       string    `json:"pid"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp"`
	Raw       string    `json:"raw,omitempty"`
}

// CommandMessage представляет входящую команду (используем общий тип)
type CommandMessage = common.CommandMessage

// CommandResponse представляет ответ на команду (используем общий тип)
type CommandResponse = common.CommandResponse

// CommandResult - результат выполнения команды для ответа
type CommandResult struct {
	Raw       string            `json:"raw"`
	Telemetry *common.Telemetry `json:"telemetry,omitempty"`
}

// Commander выполняет команды адаптера
type Commander interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

type reading struct {
	module    string
	telemetry common.Telemetry
}

// Client - мост между сессией адаптера и MQTT брокером
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	commander  Commander
	telemetry  chan reading
	stopChan   chan struct{}
	wg         sync.WaitGroup
	logger     *zap.Logger

	mu      sync.RWMutex
	vin     string // VIN автомобиля (определяется после подключения)
	stopped bool
}

// NewClient создает нового MQTT клиента
func NewClient(config Config, commander Commander, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Client{
		config:    config,
		commander: commander,
		telemetry: make(chan reading, config.BufferSize),
		stopChan:  make(chan struct{}),
		logger:    logger.Named("mqtt"),
	}
}

// Start подключается к брокеру и запускает публикацию телеметрии
func (c *Client) Start() error {
	c.logger.Info("Starting MQTT client", zap.String("broker", c.config.Broker))

	// Создаем опции подключения
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	// Устанавливаем аутентификацию если задана
	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info("MQTT authentication: ENABLED")
	} else {
		c.logger.Info("MQTT authentication: DISABLED (anonymous mode)")
	}

	// Обработчики событий
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	if c.mqttClient == nil {
		c.mqttClient = mqttLib.NewClient(opts)
	}

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.wg.Add(1)
	go c.publishTelemetryLoop()

	c.logger.Info("MQTT client started successfully")
	return nil
}

// Stop останавливает публикацию и отключается от брокера
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.logger.Info("Stopping MQTT client...")

	connected := c.mqttClient != nil && c.mqttClient.IsConnected()
	if connected {
		c.mqttClient.Unsubscribe(c.commandFilter()).WaitTimeout(time.Second)
	}
	c.wg.Wait()

	if connected {
		c.mqttClient.Disconnect(1000)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

// commandFilter - подписка на запросы команд для любого VIN
func (c *Client) commandFilter() string {
	return fmt.Sprintf("%s/+/request", c.config.CommandTopic)
}

// onConnectHandler вызывается при каждом (пере)подключении к брокеру
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info("Connected to MQTT broker")

	// Подписываемся на топики команд
	commandTopic := c.commandFilter()
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Error("Failed to subscribe to command topic", zap.String("topic", commandTopic), zap.Error(token.Error()))
		return
	}
	c.logger.Info("Subscribed to command topic", zap.String("topic", commandTopic))
}

// onConnectionLostHandler вызывается при потере соединения
func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn("Connection lost", zap.Error(err))
}

// onReconnectingHandler вызывается при попытке переподключения
func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker...")
}

// onCommandReceived обрабатывает входящие команды
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Debug("Received command", zap.String("topic", msg.Topic()))

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn("Failed to unmarshal command", zap.Error(err))
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}

	// Обработчик paho не должен блокироваться на время ожидания адаптера.
	// Add под мьютексом, чтобы не пересечься с Wait в Stop.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Debug("Client stopped, command dropped", zap.String("correlation_id", cmd.CorrelationID))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.executeCommand(cmd)
	}()
}

// executeCommand отправляет команду адаптеру через общую очередь и публикует ответ
func (c *Client) executeCommand(cmd CommandMessage) {
	c.logger.Info("Processing command", zap.String("command", cmd.Command), zap.String("correlation_id", cmd.CorrelationID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	raw, err := c.commander.SendCommand(ctx, cmd.Command, timeout)

	var result interface{}
	if err == nil {
		res := CommandResult{Raw: raw}
		// Для запросов сервиса 01 прикладываем декодированное значение
		if t, perr := obd.ParseResponse(raw); perr == nil {
			res.Telemetry = t
		}
		result = res
	}

	if perr := c.publishCommandResponse(newResponse(cmd.CorrelationID, result, err)); perr != nil {
		c.logger.Warn("Failed to publish command response", zap.Error(perr))
	}
}

func newResponse(correlationID string, result interface{}, err error) CommandResponse {
	response := CommandResponse{
		CorrelationID: correlationID,
		Status:        "success",
		Result:        result,
		Timestamp:     time.Now(),
	}
	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
	}
	return response
}

// PublishReadings ставит показания модуля в очередь публикации. Не блокируется.
func (c *Client) PublishReadings(module string, readings []common.Telemetry) {
	for _, t := range readings {
		select {
		case c.telemetry <- reading{module: module, telemetry: t}:
		default:
			c.logger.Warn("Telemetry buffer full, dropping reading", zap.String("metric", t.Metric))
		}
	}
}

// publishTelemetryLoop публикует данные телеметрии
func (c *Client) publishTelemetryLoop() {
	defer c.wg.Done()
	c.logger.Debug("Starting telemetry publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug("Telemetry publish loop stopped")
			return
		case r := <-c.telemetry:
			if err := c.publishTelemetry(c.convertToTelemetryMessage(r.module, r.telemetry)); err != nil {
				c.logger.Warn("Failed to publish telemetry", zap.Error(err))
			}
		}
	}
}

// convertToTelemetryMessage конвертирует данные телеметрии в MQTT сообщение
func (c *Client) convertToTelemetryMessage(module string, t common.Telemetry) *TelemetryMessage {
	ts := time.Now()
	if t.Timestamp > 0 {
		ts = time.UnixMilli(t.Timestamp)
	}
	return &TelemetryMessage{
		VIN:       c.VIN(),
		Module:    module,
		PID:       t.PID,
		Metric:    t.Metric,
		Value:     t.Value,
		Unit:      t.Unit,
		Valid:     t.Valid,
		Timestamp: ts,
		Raw:       t.Raw,
	}
}

// publishTelemetry публикует данные телеметрии в MQTT
func (c *Client) publishTelemetry(msg *TelemetryMessage) error {
	topic := fmt.Sprintf("%s/%s/%s", c.config.DataTopic, c.topicVIN(), msg.Metric)
	return c.publishJSON(topic, false, msg)
}

// publishCommandResponse публикует ответ на команду в MQTT
func (c *Client) publishCommandResponse(response CommandResponse) error {
	topic := fmt.Sprintf("%s/%s/response", c.config.CommandTopic, c.topicVIN())
	return c.publishJSON(topic, false, response)
}

// PublishPredictions публикует результат анализа трендов (retained)
func (c *Client) PublishPredictions(predictions []common.Prediction) error {
	topic := fmt.Sprintf("%s/%s/predictions", c.config.DataTopic, c.topicVIN())
	return c.publishJSON(topic, true, predictions)
}

// PublishMonitors публикует состояние мониторов готовности (retained)
func (c *Client) PublishMonitors(status common.MonitorStatus) error {
	topic := fmt.Sprintf("%s/%s/monitors", c.config.DataTopic, c.topicVIN())
	return c.publishJSON(topic, true, status)
}

func (c *Client) publishJSON(topic string, retained bool, v interface{}) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.Debug("Published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// SetVIN устанавливает VIN автомобиля
func (c *Client) SetVIN(vin string) {
	c.mu.Lock()
	c.vin = vin
	c.mu.Unlock()
	c.logger.Info("VIN set", zap.String("vin", vin))
}

// VIN возвращает VIN автомобиля
func (c *Client) VIN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vin
}

func (c *Client) topicVIN() string {
	if vin := c.VIN(); vin != "" {
		return vin
	}
	return unknownVIN
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}
