// Package diag выполняет разовые диагностические запросы: готовность мониторов,
// коды неисправностей, результаты самодиагностики Mode 06, VIN.
package diag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
)

// CatalystMetric - метрика запаса катализатора, которую пишет ReadTests
const CatalystMetric = "catalyst_monitor_margin"

// FreezeFramePIDs - значения стоп-кадра, которые читаются вместе с сохраненными кодами
var FreezeFramePIDs = []string{"04", "05", "0C", "0D", "11"}

// catalystMIDs - мониторы катализатора (банк 1 и 2)
var catalystMIDs = map[byte]bool{0x21: true, 0x22: true}

// Commander отправляет команды адаптеру
type Commander interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// Sink принимает срезы, полученные из диагностических запросов
type Sink interface {
	Append(s common.Snapshot)
}

// Config представляет конфигурацию диагностики
type Config struct {
	TestScale    float64       `mapstructure:"test_scale" yaml:"test_scale"`       // Множитель значений Mode 06
	ClearTimeout time.Duration `mapstructure:"clear_timeout" yaml:"clear_timeout"` // Сервис 04 выполняется долго
	VINTimeout   time.Duration `mapstructure:"vin_timeout" yaml:"vin_timeout"`     // Многокадровый ответ 0902
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		TestScale:    obd.DefaultTestScale,
		ClearTimeout: 5 * time.Second,
		VINTimeout:   5 * time.Second,
	}
}

// Service - диагностические запросы поверх сессии адаптера
type Service struct {
	cfg    Config
	cmd    Commander
	sink   Sink
	clock  clock.Clock
	logger *zap.Logger
}

// NewService создает сервис. sink и clk могут быть nil.
func NewService(cfg Config, cmd Commander, sink Sink, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TestScale == 0 {
		cfg.TestScale = obd.DefaultTestScale
	}
	return &Service{cfg: cfg, cmd: cmd, sink: sink, clock: clk, logger: logger.Named("diag")}
}

// Report - сводный результат диагностики
type Report struct {
	VIN         string               `json:"vin,omitempty"`
	Monitors    common.MonitorStatus `json:"monitors"`
	Stored      []string             `json:"stored"`
	Pending     []string             `json:"pending"`
	FreezeFrame []common.Telemetry   `json:"freezeFrame,omitempty"` // Стоп-кадр 0, только при сохраненных кодах
	Timestamp   time.Time            `json:"timestamp"`
}

// request отправляет команду и возвращает полезную нагрузку всех строк с ожидаемым эхо
func (s *Service) request(ctx context.Context, cmd string, timeout time.Duration) ([][]byte, error) {
	raw, err := s.cmd.SendCommand(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}
	frames, err := obd.CleanFrames(raw, obd.EchoTag(cmd))
	if err != nil {
		s.logger.Debug("Unexpected response", zap.String("command", cmd), zap.String("response", raw), zap.Error(err))
		return nil, err
	}
	return frames, nil
}

// ReadMonitors читает состояние MIL и мониторов готовности (PID 0101)
func (s *Service) ReadMonitors(ctx context.Context) (common.MonitorStatus, error) {
	frames, err := s.request(ctx, "0101", 0)
	if err != nil {
		return common.MonitorStatus{}, fmt.Errorf("failed to read monitor status: %w", err)
	}
	return obd.DecodeReadiness(frames[0])
}

// ReadDTCs читает сохраненные коды неисправностей (сервис 03)
func (s *Service) ReadDTCs(ctx context.Context) ([]string, error) {
	return s.readCodes(ctx, "03")
}

// ReadPendingDTCs читает неподтвержденные коды текущего цикла (сервис 07)
func (s *Service) ReadPendingDTCs(ctx context.Context) ([]string, error) {
	return s.readCodes(ctx, "07")
}

func (s *Service) readCodes(ctx context.Context, mode string) ([]string, error) {
	frames, err := s.request(ctx, mode, 0)
	if errors.Is(err, obd.ErrUnsupported) {
		// NO DATA на сервисы 03/07 означает отсутствие кодов
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read DTCs (mode %s): %w", mode, err)
	}

	codes := []string{}
	seen := make(map[string]bool)
	for _, frame := range frames {
		for _, code := range obd.ParseDTCs(frame) {
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
	}
	return codes, nil
}

// ClearDTCs стирает коды и сбрасывает мониторы готовности (сервис 04)
func (s *Service) ClearDTCs(ctx context.Context) error {
	if _, err := s.request(ctx, "04", s.cfg.ClearTimeout); err != nil {
		return fmt.Errorf("failed to clear DTCs: %w", err)
	}
	s.logger.Info("Diagnostic trouble codes cleared")
	return nil
}

// ReadTests читает таблицу результатов самодиагностики монитора mid (сервис 06).
// Для мониторов катализатора в историю добавляется запас до предела.
func (s *Service) ReadTests(ctx context.Context, mid byte) ([]common.TestRecord, error) {
	frames, err := s.request(ctx, fmt.Sprintf("06%02X", mid), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read test results for MID %02X: %w", mid, err)
	}

	var payload []byte
	for _, frame := range frames {
		payload = append(payload, frame...)
	}
	records := obd.DecodeTestTable(payload, s.cfg.TestScale)

	if catalystMIDs[mid] && len(records) > 0 && s.sink != nil {
		s.sink.Append(common.Snapshot{
			Timestamp: s.clock.Now(),
			Values:    map[string]float64{CatalystMetric: Margin(records)},
		})
	}
	return records, nil
}

// Margin - наименьшее расстояние (в процентах диапазона) от текущего значения до ближайшего предела.
// Отрицательно, если тест провален.
func Margin(records []common.TestRecord) float64 {
	margin := math.Inf(1)
	for _, r := range records {
		if r.Max == r.Min {
			continue
		}
		m := math.Min(r.PercentToLimit, 100-r.PercentToLimit)
		margin = math.Min(margin, m)
	}
	if math.IsInf(margin, 1) {
		return 0
	}
	return margin
}

// ReadVIN читает VIN (0902). Заголовки на время запроса отключаются.
func (s *Service) ReadVIN(ctx context.Context) (string, error) {
	if _, err := s.cmd.SendCommand(ctx, "ATH0", 0); err != nil {
		return "", fmt.Errorf("failed to disable headers: %w", err)
	}
	defer func() {
		if _, err := s.cmd.SendCommand(ctx, "ATH1", 0); err != nil {
			s.logger.Warn("Failed to restore headers", zap.Error(err))
		}
	}()

	raw, err := s.cmd.SendCommand(ctx, "0902", s.cfg.VINTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to read VIN: %w", err)
	}
	vin, err := obd.DecodeVIN(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode VIN: %w", err)
	}
	s.logger.Info("VIN read", zap.String("vin", vin))
	return vin, nil
}

// SupportedPIDs опрашивает битовые карты 0100, 0120, ... пока ЭБУ сообщает о следующей
func (s *Service) SupportedPIDs(ctx context.Context) ([]string, error) {
	var supported []string
	for base := 0x00; base <= 0xA0; base += 0x20 {
		frames, err := s.request(ctx, fmt.Sprintf("01%02X", base), 0)
		if err != nil {
			if base == 0 {
				return nil, fmt.Errorf("failed to read supported PIDs: %w", err)
			}
			break
		}
		pids := obd.DecodeSupportedPIDs(base, frames[0])
		supported = append(supported, pids...)

		next := fmt.Sprintf("%02X", base+0x20)
		if len(pids) == 0 || pids[len(pids)-1] != next {
			break
		}
	}
	return supported, nil
}

// ReadFreezeFrame читает значения стоп-кадра 0 (сервис 02) для указанных PID
func (s *Service) ReadFreezeFrame(ctx context.Context, pids []string) ([]common.Telemetry, error) {
	readings := make([]common.Telemetry, 0, len(pids))
	for _, pid := range pids {
		p, ok := obd.Lookup(pid)
		if !ok {
			return nil, fmt.Errorf("unknown PID %s", pid)
		}
		cmd := "02" + p.PID + "00"
		frames, err := s.request(ctx, cmd, 0)
		t := common.Telemetry{PID: cmd, Metric: p.Name, Unit: p.Unit, Timestamp: s.clock.Now().UnixMilli()}
		if err == nil {
			t.Value, err = p.Decode(frames[0])
			t.Valid = err == nil
		}
		if err != nil {
			s.logger.Debug("Freeze frame value unavailable", zap.String("pid", pid), zap.Error(err))
		}
		readings = append(readings, t)
	}
	return readings, nil
}

// Run собирает сводный отчет: VIN, мониторы, сохраненные и неподтвержденные коды
func (s *Service) Run(ctx context.Context) (Report, error) {
	report := Report{Timestamp: s.clock.Now()}

	monitors, err := s.ReadMonitors(ctx)
	if err != nil {
		return report, err
	}
	report.Monitors = monitors

	if report.Stored, err = s.ReadDTCs(ctx); err != nil {
		return report, err
	}
	if report.Pending, err = s.ReadPendingDTCs(ctx); err != nil {
		return report, err
	}
	if len(report.Stored) > 0 {
		if report.FreezeFrame, err = s.ReadFreezeFrame(ctx, FreezeFramePIDs); err != nil {
			return report, err
		}
	}

	if vin, err := s.ReadVIN(ctx); err == nil {
		report.VIN = vin
	} else {
		s.logger.Warn("VIN unavailable", zap.Error(err))
	}
	return report, nil
}
