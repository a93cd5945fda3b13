package obd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"elm327-diag/common"
)

// Telemetry представляет декодированные данные телеметрии (используем общий тип)
type Telemetry = common.Telemetry

var (
	// ErrUnsupported означает, что автомобиль не отдает этот параметр (NO DATA, ?)
	ErrUnsupported = errors.New("obd: parameter not supported")
	// ErrBus - временная ошибка шины или протокола (CAN ERROR, STOPPED, UNABLE TO CONNECT ...)
	ErrBus = errors.New("obd: bus error")
	// ErrMalformed означает, что ответ пришел, но его невозможно разобрать
	ErrMalformed = errors.New("obd: malformed response")
)

// unsupportedMarkers - ответы ELM327 на запрос, который ЭБУ не обслуживает
var unsupportedMarkers = []string{
	"NO DATA",
	"?",
}

// busMarkers - ответы ELM327 об ошибках шины; "ERROR" покрывает CAN/BUS/FB/DATA ERROR
var busMarkers = []string{
	"ERROR",
	"UNABLE TO CONNECT",
	"STOPPED",
	"BUS BUSY",
	"BUFFER FULL",
}

// adapterError распознает служебный ответ адаптера вместо данных
func adapterError(raw string) error {
	upper := strings.ToUpper(raw)
	for _, marker := range unsupportedMarkers {
		if strings.Contains(upper, marker) {
			return fmt.Errorf("%w: adapter replied %q", ErrUnsupported, strings.TrimSpace(raw))
		}
	}
	for _, marker := range busMarkers {
		if strings.Contains(upper, marker) {
			return fmt.Errorf("%w: adapter replied %q", ErrBus, strings.TrimSpace(raw))
		}
	}
	return nil
}

// headerOffsets - допустимые длины заголовка перед эхо (в hex-символах).
// 2-3 символа - заголовок адаптера, 5 - CAN 11 бит + PCI, 6 - J1850/ISO, 8/10 - CAN 29 бит.
var headerOffsets = []int{0, 2, 3, 5, 6, 8, 10}

// PIDDecoder представляет функцию для декодирования конкретного PID
type PIDDecoder func(data []byte) (float64, error)

// Parameter описывает одну физическую величину, которую можно запросить у ЭБУ
type Parameter struct {
	Mode   string     // Сервис, например "01"
	PID    string     // PID, например "0C"
	Name   string     // Название метрики, например "engine_rpm"
	Unit   string     // Единица измерения
	Decode PIDDecoder // Правило масштабирования
}

// Request возвращает код запроса для адаптера, например "010C"
func (p Parameter) Request() string {
	return p.Mode + p.PID
}

// parameters содержит все известные параметры сервиса 01
var parameters = map[string]Parameter{
	// Двигатель и производительность
	"0C": {Mode: "01", PID: "0C", Name: "engine_rpm", Unit: "rpm", Decode: decodeRPM},
	"0D": {Mode: "01", PID: "0D", Name: "vehicle_speed", Unit: "km/h", Decode: decodeVehicleSpeed},
	"05": {Mode: "01", PID: "05", Name: "coolant_temperature", Unit: "°C", Decode: decodeCoolantTemp},
	"0F": {Mode: "01", PID: "0F", Name: "intake_air_temperature", Unit: "°C", Decode: decodeIntakeTemp},
	"11": {Mode: "01", PID: "11", Name: "throttle_position", Unit: "%", Decode: decodeThrottlePos},
	"04": {Mode: "01", PID: "04", Name: "engine_load", Unit: "%", Decode: decodeEngineLoad},
	"0E": {Mode: "01", PID: "0E", Name: "timing_advance", Unit: "°", Decode: decodeTimingAdvance},
	"10": {Mode: "01", PID: "10", Name: "mass_air_flow", Unit: "g/s", Decode: decodeMAF},

	// Топливо и эффективность
	"2F": {Mode: "01", PID: "2F", Name: "fuel_level", Unit: "%", Decode: decodeFuelLevel},
	"0A": {Mode: "01", PID: "0A", Name: "fuel_pressure", Unit: "kPa", Decode: decodeFuelPressure},
	"06": {Mode: "01", PID: "06", Name: "short_term_fuel_trim_1", Unit: "%", Decode: decodeFuelTrim},
	"07": {Mode: "01", PID: "07", Name: "long_term_fuel_trim_1", Unit: "%", Decode: decodeFuelTrim},
	"14": {Mode: "01", PID: "14", Name: "o2_sensor_voltage", Unit: "V", Decode: decodeO2Voltage},

	// Давление и электрика
	"0B": {Mode: "01", PID: "0B", Name: "intake_manifold_pressure", Unit: "kPa", Decode: decodeSingleByte},
	"33": {Mode: "01", PID: "33", Name: "barometric_pressure", Unit: "kPa", Decode: decodeSingleByte},
	"42": {Mode: "01", PID: "42", Name: "control_module_voltage", Unit: "V", Decode: decodeModuleVoltage},

	// Диагностика
	"21": {Mode: "01", PID: "21", Name: "distance_with_mil", Unit: "km", Decode: decodeDistanceWithMIL},
}

// Декодеры для конкретных PID

// need проверяет, что данных хватает для формулы; лишние байты (паддинг клонов) игнорируются
func need(pid string, data []byte, n int) error {
	if len(data) < n {
		return fmt.Errorf("%w: PID %s: expected %d bytes, got %d", ErrMalformed, pid, n, len(data))
	}
	return nil
}

// decodeRPM декодирует обороты двигателя (PID 0C)
// Формула: ((A * 256) + B) / 4
func decodeRPM(data []byte) (float64, error) {
	if err := need("0C", data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 4, nil
}

// decodeVehicleSpeed декодирует скорость автомобиля (PID 0D)
func decodeVehicleSpeed(data []byte) (float64, error) {
	if err := need("0D", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeCoolantTemp декодирует температуру охлаждающей жидкости (PID 05)
// Формула: A - 40
func decodeCoolantTemp(data []byte) (float64, error) {
	if err := need("05", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

// decodeIntakeTemp декодирует температуру всасываемого воздуха (PID 0F)
func decodeIntakeTemp(data []byte) (float64, error) {
	if err := need("0F", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

// decodeThrottlePos декодирует положение дроссельной заслонки (PID 11)
// Формула: (A * 100) / 255
func decodeThrottlePos(data []byte) (float64, error) {
	if err := need("11", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeEngineLoad декодирует нагрузку двигателя (PID 04)
func decodeEngineLoad(data []byte) (float64, error) {
	if err := need("04", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeTimingAdvance декодирует угол опережения зажигания (PID 0E)
// Формула: (A - 128) / 2
func decodeTimingAdvance(data []byte) (float64, error) {
	if err := need("0E", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) / 2, nil
}

// decodeMAF декодирует массовый расход воздуха (PID 10)
// Формула: ((A * 256) + B) / 100
func decodeMAF(data []byte) (float64, error) {
	if err := need("10", data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 100, nil
}

// decodeFuelLevel декодирует уровень топлива (PID 2F)
func decodeFuelLevel(data []byte) (float64, error) {
	if err := need("2F", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeFuelPressure декодирует давление топлива (PID 0A)
// Формула: A * 3
func decodeFuelPressure(data []byte) (float64, error) {
	if err := need("0A", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) * 3, nil
}

// decodeFuelTrim декодирует краткосрочную и долгосрочную корректировку топлива (PID 06, 07)
// Формула: (A - 128) * 100 / 128
func decodeFuelTrim(data []byte) (float64, error) {
	if err := need("06/07", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) * 100 / 128, nil
}

// decodeO2Voltage декодирует напряжение кислородного датчика (PID 14)
// Формула: A / 200
func decodeO2Voltage(data []byte) (float64, error) {
	if err := need("14", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) / 200, nil
}

// decodeSingleByte - давление во впускном коллекторе (0B) и барометрическое давление (33)
func decodeSingleByte(data []byte) (float64, error) {
	if err := need("0B/33", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeModuleVoltage декодирует напряжение блока управления (PID 42)
// Формула: ((A * 256) + B) / 1000
func decodeModuleVoltage(data []byte) (float64, error) {
	if err := need("42", data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 1000, nil
}

// decodeDistanceWithMIL декодирует расстояние с включенным MIL (PID 21)
func decodeDistanceWithMIL(data []byte) (float64, error) {
	if err := need("21", data, 2); err != nil {
		return 0, err
	}
	return float64(data[0])*256 + float64(data[1]), nil
}

// EchoTag возвращает ожидаемое эхо ответа: сервис + 0x40, затем остаток запроса.
// "010C" -> "410C", "03" -> "43".
func EchoTag(request string) string {
	req := strings.ToUpper(strings.ReplaceAll(request, " ", ""))
	if len(req) < 2 {
		return req
	}
	mode, err := strconv.ParseUint(req[:2], 16, 8)
	if err != nil {
		return req
	}
	return fmt.Sprintf("%02X", mode+0x40) + req[2:]
}

// CleanResponse превращает сырой ответ адаптера в байты полезной нагрузки первой строки,
// содержащей ожидаемое эхо. Маркеры ошибок адаптера дают ErrUnsupported или ErrBus.
func CleanResponse(raw, echo string) ([]byte, error) {
	frames, err := CleanFrames(raw, echo)
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// CleanFrames - то же, что CleanResponse, но возвращает полезную нагрузку каждой строки
// (несколько ЭБУ отвечают отдельными строками).
func CleanFrames(raw, echo string) ([][]byte, error) {
	if err := adapterError(raw); err != nil {
		return nil, err
	}
	upper := strings.ReplaceAll(strings.ToUpper(raw), "SEARCHING...", "")
	echo = strings.ToUpper(strings.ReplaceAll(echo, " ", ""))

	var frames [][]byte
	lines := strings.FieldsFunc(upper, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		compact := stripSpaces(line)
		if compact == "" {
			continue
		}
		payload, ok := stripHeader(compact, echo)
		if !ok {
			continue
		}
		data, err := hexPairs(payload)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: echo %s not found in %q", ErrMalformed, echo, strings.TrimSpace(raw))
	}
	return frames, nil
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
}

// stripHeader отрезает заголовок адаптера и эхо запроса
func stripHeader(compact, echo string) (string, bool) {
	for _, off := range headerOffsets {
		if off+len(echo) > len(compact) {
			break
		}
		if strings.HasPrefix(compact[off:], echo) {
			return compact[off+len(echo):], true
		}
	}
	return "", false
}

// hexPairs разбивает строку на пары hex-символов
func hexPairs(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of hex digits in %q", ErrMalformed, s)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex data %q: %v", ErrMalformed, s, err)
	}
	return data, nil
}

// ReadParameter декодирует ответ адаптера на запрос параметра p.
// При ошибке возвращается Telemetry с Valid=false.
func ReadParameter(raw string, p Parameter) (Telemetry, error) {
	t := Telemetry{
		PID:       p.Request(),
		Metric:    p.Name,
		Unit:      p.Unit,
		Timestamp: time.Now().UnixMilli(),
		Raw:       raw,
	}

	data, err := CleanResponse(raw, EchoTag(p.Request()))
	if err != nil {
		return t, err
	}
	value, err := p.Decode(data)
	if err != nil {
		return t, fmt.Errorf("failed to decode PID %s: %w", p.PID, err)
	}
	t.Value = value
	t.Valid = true
	return t, nil
}

// ParseResponse разбирает сырой ответ сервиса 01, определяя PID по самому ответу
func ParseResponse(response string) (*Telemetry, error) {
	response = strings.TrimSpace(response)
	compact := strings.ToUpper(stripSpaces(response))

	for _, off := range headerOffsets {
		if off+4 > len(compact) {
			break
		}
		if compact[off:off+2] != "41" {
			continue
		}
		p, ok := parameters[compact[off+2:off+4]]
		if !ok {
			continue
		}
		telemetry, err := ReadParameter(response, p)
		if err != nil {
			return nil, err
		}
		return &telemetry, nil
	}
	return nil, fmt.Errorf("%w: no known service 01 PID in %q", ErrMalformed, response)
}

// Lookup возвращает описание параметра по PID (сервис 01)
func Lookup(pid string) (Parameter, bool) {
	p, ok := parameters[strings.ToUpper(pid)]
	return p, ok
}

// MustLookup - Lookup для статических списков параметров модулей
func MustLookup(pid string) Parameter {
	p, ok := Lookup(pid)
	if !ok {
		panic("obd: unknown PID " + pid)
	}
	return p
}

// GetSupportedPIDs возвращает отсортированный список поддерживаемых PID
func GetSupportedPIDs() []string {
	pids := make([]string, 0, len(parameters))
	for pid := range parameters {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}

// GetMetricName возвращает название метрики для PID
func GetMetricName(pid string) string {
	if p, exists := parameters[pid]; exists {
		return p.Name
	}
	return "unknown_" + pid
}

// GetMetricUnit возвращает единицу измерения для PID
func GetMetricUnit(pid string) string {
	if p, exists := parameters[pid]; exists {
		return p.Unit
	}
	return "unknown"
}
