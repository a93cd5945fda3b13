package obd

import (
	"fmt"
	"strconv"
	"strings"

	"elm327-diag/common"
)

// DefaultTestScale - единый множитель для значений таблицы тестов Mode 06.
// Реальный масштаб зависит от типа теста (UASID), здесь он не учитывается.
const DefaultTestScale = 1.0

// dtcFamilies - буквенный префикс по старшим двум битам первого полубайта
var dtcFamilies = [4]string{"P", "C", "B", "U"}

// continuousMonitors всегда поддерживаются; бит в байте C сброшен = тест пройден
var continuousMonitors = []struct {
	name string
	bit  uint
}{
	{"misfire", 0},
	{"fuelSystem", 1},
	{"components", 2},
}

// nonContinuousMonitors поддерживаются, если их бит в байте B установлен
var nonContinuousMonitors = []string{
	"catalyst",
	"heatedCatalyst",
	"evaporativeSystem",
	"secondaryAirSystem",
	"acRefrigerant",
	"oxygenSensor",
	"oxygenSensorHeater",
	"egrSystem",
}

// protocolNames - номера протоколов ATDPN
var protocolNames = map[string]string{
	"0": "Auto",
	"1": "SAE J1850 PWM (41.6 kbaud)",
	"2": "SAE J1850 VPW (10.4 kbaud)",
	"3": "ISO 9141-2 (5 baud init)",
	"4": "ISO 14230-4 KWP (5 baud init)",
	"5": "ISO 14230-4 KWP (fast init)",
	"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
}

// DecodeDTC превращает 4 hex-цифры в код неисправности: "0300" -> "P0300", "4102" -> "C0102".
// Нулевой код означает отсутствие кода.
func DecodeDTC(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 4 || code == "0000" {
		return "", false
	}
	nibble, err := strconv.ParseUint(code[:1], 16, 8)
	if err != nil {
		return "", false
	}
	return dtcFamilies[nibble/4] + strconv.Itoa(int(nibble%4)) + code[1:], true
}

// ParseDTCs разбирает полезную нагрузку ответа сервисов 03/07.
// В CAN первый байт - количество кодов, поэтому нечетная длина означает его наличие.
func ParseDTCs(payload []byte) []string {
	if len(payload)%2 == 1 {
		payload = payload[1:]
	}
	var codes []string
	for i := 0; i+1 < len(payload); i += 2 {
		if code, ok := DecodeDTC(fmt.Sprintf("%02X%02X", payload[i], payload[i+1])); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

// DecodeReadiness декодирует байты статуса A, B, C ответа PID 0101
func DecodeReadiness(data []byte) (common.MonitorStatus, error) {
	if len(data) < 3 {
		return common.MonitorStatus{}, fmt.Errorf("%w: readiness needs 3 bytes, got %d", ErrMalformed, len(data))
	}
	a, b, c := data[0], data[1], data[2]

	status := common.MonitorStatus{
		MILOn:           a&0x80 != 0,
		StoredCodeCount: int(a & 0x7F),
		Monitors:        make(map[string]common.Monitor, len(continuousMonitors)+len(nonContinuousMonitors)),
	}
	for _, m := range continuousMonitors {
		status.Monitors[m.name] = common.Monitor{
			Supported: true,
			Complete:  c&(1<<m.bit) == 0,
		}
	}
	for bit, name := range nonContinuousMonitors {
		supported := b&(1<<uint(bit)) != 0
		status.Monitors[name] = common.Monitor{
			Supported: supported,
			Complete:  supported && c&(1<<uint(bit)) == 0,
		}
	}
	return status, nil
}

// signed16 - двухбайтное значение в дополнительном коде
func signed16(hi, lo byte) float64 {
	return float64(int16(uint16(hi)<<8 | uint16(lo)))
}

// DecodeTestTable разбирает таблицу результатов Mode 06: записи по 8 байт
// testId, componentId, minHi, minLo, maxHi, maxLo, curHi, curLo.
// Неполная последняя запись отбрасывается.
func DecodeTestTable(payload []byte, scale float64) []common.TestRecord {
	records := make([]common.TestRecord, 0, len(payload)/8)
	for i := 0; i+8 <= len(payload); i += 8 {
		r := payload[i : i+8]
		rec := common.TestRecord{
			TestID:      int(r[0]),
			ComponentID: int(r[1]),
			Min:         signed16(r[2], r[3]) * scale,
			Max:         signed16(r[4], r[5]) * scale,
			Current:     signed16(r[6], r[7]) * scale,
		}
		// Процент не ограничивается диапазоном [0, 100]
		if rng := rec.Max - rec.Min; rng != 0 {
			rec.PercentToLimit = (rec.Current - rec.Min) / rng * 100
		}
		rec.Status = testStatus(rec)
		records = append(records, rec)
	}
	return records
}

func testStatus(rec common.TestRecord) string {
	switch {
	case rec.Current < rec.Min || rec.Current > rec.Max:
		return "fail"
	case rec.Max != rec.Min && (rec.PercentToLimit >= 90 || rec.PercentToLimit <= 10):
		return "warning"
	default:
		return "pass"
	}
}

// isVINChar - допустимые символы VIN (без I, O, Q)
func isVINChar(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'A' && b <= 'Z':
		return b != 'I' && b != 'O' && b != 'Q'
	}
	return false
}

// DecodeVIN извлекает VIN из ответа 0902 (без заголовков, ATH0).
// Поддерживает многострочный CAN-формат "0: 49 02 01 ..." и построчный формат старых протоколов.
func DecodeVIN(raw string) (string, error) {
	if err := adapterError(raw); err != nil {
		return "", err
	}
	upper := strings.ToUpper(raw)

	var body strings.Builder
	for _, line := range strings.FieldsFunc(upper, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, ":"); i >= 0 && i <= 2 {
			line = line[i+1:]
		}
		compact := stripSpaces(line)
		// строка с количеством байт ("014") не содержит данных
		if len(compact) <= 3 {
			continue
		}
		body.WriteString(compact)
	}

	compact := body.String()
	idx := strings.Index(compact, "4902")
	if idx < 0 {
		return "", fmt.Errorf("%w: no 4902 echo in VIN response", ErrMalformed)
	}
	data, err := hexPairs(compact[idx : idx+(len(compact)-idx)/2*2])
	if err != nil {
		return "", err
	}

	var vin []byte
	for _, b := range data {
		if isVINChar(b) {
			vin = append(vin, b)
		}
	}
	if len(vin) < 17 {
		return "", fmt.Errorf("%w: VIN too short (%d chars)", ErrMalformed, len(vin))
	}
	return string(vin[len(vin)-17:]), nil
}

// DecodeSupportedPIDs разбирает битовую карту 0100/0120/...: старший бит первого байта = base+1
func DecodeSupportedPIDs(base int, data []byte) []string {
	var pids []string
	for i := 0; i < len(data) && i < 4; i++ {
		for bit := 0; bit < 8; bit++ {
			if data[i]&(0x80>>uint(bit)) != 0 {
				pids = append(pids, fmt.Sprintf("%02X", base+i*8+bit+1))
			}
		}
	}
	return pids
}

// ParseVoltage разбирает ответ ATRV, например "12.6V"
func ParseVoltage(raw string) (float64, error) {
	s := strings.TrimSpace(strings.ToUpper(raw))
	s = strings.TrimSuffix(s, "V")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: voltage %q", ErrMalformed, raw)
	}
	return v, nil
}

// ProtocolName возвращает название протокола по номеру ATDPN ("A6" = авто, выбран 6)
func ProtocolName(num string) string {
	num = strings.ToUpper(strings.TrimSpace(num))
	if len(num) == 2 && num[0] == 'A' {
		num = num[1:]
	}
	if name, ok := protocolNames[num]; ok {
		return name
	}
	return "Unknown"
}
