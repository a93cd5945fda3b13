package obd

import (
	"errors"
	"math"
	"testing"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		expectedPID string
		expectedVal float64
		expectError bool
	}{
		{
			name:        "RPM parsing",
			response:    "41 0C 1A F0",
			expectedPID: "010C",
			expectedVal: 1724, // ((26 * 256) + 240) / 4 = 1724
		},
		{
			name:        "Vehicle speed parsing",
			response:    "41 0D 32",
			expectedPID: "010D",
			expectedVal: 50,
		},
		{
			name:        "Coolant temperature with CAN header",
			response:    "7E8 03 41 05 5A",
			expectedPID: "0105",
			expectedVal: 50, // 0x5A - 40 = 50
		},
		{
			name:        "Invalid response format",
			response:    "INVALID",
			expectError: true,
		},
		{
			name:        "Response too short",
			response:    "41 0C",
			expectError: true,
		},
		{
			name:        "Unsupported PID",
			response:    "41 FF 12 34",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			telemetry, err := ParseResponse(tt.response)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error for response %q", tt.response)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error for response %q: %v", tt.response, err)
			}
			if telemetry.PID != tt.expectedPID {
				t.Errorf("Expected PID %s, got %s", tt.expectedPID, telemetry.PID)
			}
			if telemetry.Value != tt.expectedVal {
				t.Errorf("Expected value %.2f, got %.2f", tt.expectedVal, telemetry.Value)
			}
			if !telemetry.Valid {
				t.Error("Expected telemetry to be valid")
			}
		})
	}
}

func TestWorkedExamples(t *testing.T) {
	tests := []struct {
		pid      string
		data     []byte
		expected float64
	}{
		{"0C", []byte{0x1C, 0x18}, 1798.0},
		{"0C", []byte{0x1A, 0xF8}, 1726.0},
		{"05", []byte{0x7D}, 85},
		{"42", []byte{0x37, 0x42}, 14.146},
		{"0E", []byte{0x80}, 0.0},
		{"0D", []byte{0x3C}, 60},
		{"11", []byte{0xFF}, 100},
		{"0F", []byte{0x28}, 0},
		{"10", []byte{0x01, 0xF4}, 5},
		{"06", []byte{0x80}, 0},
		{"07", []byte{0x90}, 12.5},
		{"14", []byte{0x5A, 0x80}, 0.45},
	}

	for _, tt := range tests {
		t.Run(tt.pid, func(t *testing.T) {
			p, ok := Lookup(tt.pid)
			if !ok {
				t.Fatalf("PID %s not registered", tt.pid)
			}
			got, err := p.Decode(tt.data)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("PID %s: expected %.6f, got %.6f", tt.pid, tt.expected, got)
			}
		})
	}
}

func TestDecodeRPM(t *testing.T) {
	tests := []struct {
		data     []byte
		expected float64
		hasError bool
	}{
		{[]byte{0x1A, 0xF0}, 1724, false},
		{[]byte{0x0F, 0xA0}, 1000, false},
		{[]byte{0x00, 0x00}, 0, false},
		{[]byte{0x1A, 0xF0, 0x00}, 1724, false}, // Паддинг клонов игнорируется
		{[]byte{0x1A}, 0, true},
	}

	for _, tt := range tests {
		result, err := decodeRPM(tt.data)

		if tt.hasError {
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed for data %v, got %v", tt.data, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for data %v: %v", tt.data, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("Expected %.2f, got %.2f for data %v", tt.expected, result, tt.data)
		}
	}
}

func TestDecodeCoolantTemp(t *testing.T) {
	tests := []struct {
		data     []byte
		expected float64
		hasError bool
	}{
		{[]byte{0x5A}, 50, false},
		{[]byte{0x00}, -40, false},
		{[]byte{0xFF}, 215, false},
		{[]byte{}, 0, true},
	}

	for _, tt := range tests {
		result, err := decodeCoolantTemp(tt.data)

		if tt.hasError {
			if err == nil {
				t.Errorf("Expected error for data %v", tt.data)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for data %v: %v", tt.data, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("Expected %.2f, got %.2f for data %v", tt.expected, result, tt.data)
		}
	}
}

func TestEchoTag(t *testing.T) {
	tests := map[string]string{
		"010C":  "410C",
		"01 42": "4142",
		"03":    "43",
		"0902":  "4902",
		"0601":  "4601",
	}
	for request, expected := range tests {
		if got := EchoTag(request); got != expected {
			t.Errorf("EchoTag(%q): expected %s, got %s", request, expected, got)
		}
	}
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		echo     string
		expected []byte
		err      error
	}{
		{"plain", "41 0C 1A F8", "410C", []byte{0x1A, 0xF8}, nil},
		{"no spaces", "410C1AF8", "410C", []byte{0x1A, 0xF8}, nil},
		{"two char header", "48 41 0C 1A F8", "410C", []byte{0x1A, 0xF8}, nil},
		{"can header with pci", "7E8 04 41 0C 1A F8\r", "410C", []byte{0x1A, 0xF8}, nil},
		{"searching prefix", "SEARCHING...\r41 05 7D", "4105", []byte{0x7D}, nil},
		{"lowercase", "41 42 37 42", "4142", []byte{0x37, 0x42}, nil},
		{"no data", "NO DATA", "410C", nil, ErrUnsupported},
		{"question mark", "?", "410C", nil, ErrUnsupported},
		{"can error", "CAN ERROR", "410C", nil, ErrBus},
		{"bus error", "BUS ERROR", "410C", nil, ErrBus},
		{"stopped", "STOPPED", "410C", nil, ErrBus},
		{"bus busy", "BUS BUSY", "410C", nil, ErrBus},
		{"unable to connect", "SEARCHING...\rUNABLE TO CONNECT", "4100", nil, ErrBus},
		{"wrong echo", "41 0D 32", "410C", nil, ErrMalformed},
		{"odd digits", "41 0C 1A F", "410C", nil, ErrMalformed},
		{"bad hex", "41 0C ZZ", "410C", nil, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := CleanResponse(tt.raw, tt.echo)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Expected %v, got %v", tt.err, err)
				}
				if data != nil {
					t.Errorf("Expected nil data on error, got %v", data)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if string(data) != string(tt.expected) {
				t.Errorf("Expected % X, got % X", tt.expected, data)
			}
		})
	}
}

func TestCleanFramesMultipleECUs(t *testing.T) {
	frames, err := CleanFrames("7E8 06 43 02 01 33 03 00\r7E9 04 43 01 04 20\r", "43")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
}

func TestReadParameter(t *testing.T) {
	p := MustLookup("42")

	telemetry, err := ReadParameter("41 42 37 42", p)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if telemetry.Metric != "control_module_voltage" || telemetry.Unit != "V" {
		t.Errorf("Unexpected metadata: %+v", telemetry)
	}
	if math.Abs(telemetry.Value-14.146) > 1e-9 {
		t.Errorf("Expected 14.146, got %f", telemetry.Value)
	}

	telemetry, err = ReadParameter("NO DATA", p)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
	if telemetry.Valid {
		t.Error("Expected invalid telemetry on error")
	}

	_, err = ReadParameter("41 42 37", p)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for short payload, got %v", err)
	}
}

func TestGetSupportedPIDs(t *testing.T) {
	pids := GetSupportedPIDs()

	if len(pids) == 0 {
		t.Fatal("Expected non-empty list of supported PIDs")
	}
	for i := 1; i < len(pids); i++ {
		if pids[i-1] > pids[i] {
			t.Errorf("Expected sorted PIDs, got %v", pids)
			break
		}
	}

	expectedPIDs := []string{"0C", "0D", "05", "0F", "42", "0E"}
	for _, expected := range expectedPIDs {
		found := false
		for _, pid := range pids {
			if pid == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected PID %s to be in supported list", expected)
		}
	}
}

func TestGetMetricName(t *testing.T) {
	tests := []struct {
		pid      string
		expected string
	}{
		{"0C", "engine_rpm"},
		{"42", "control_module_voltage"},
		{"05", "coolant_temperature"},
		{"FF", "unknown_FF"},
	}

	for _, tt := range tests {
		if result := GetMetricName(tt.pid); result != tt.expected {
			t.Errorf("Expected metric name %s for PID %s, got %s", tt.expected, tt.pid, result)
		}
	}
}

func TestGetMetricUnit(t *testing.T) {
	tests := []struct {
		pid      string
		expected string
	}{
		{"0C", "rpm"},
		{"0D", "km/h"},
		{"05", "°C"},
		{"FF", "unknown"},
	}

	for _, tt := range tests {
		if result := GetMetricUnit(tt.pid); result != tt.expected {
			t.Errorf("Expected unit %s for PID %s, got %s", tt.expected, tt.pid, result)
		}
	}
}

func BenchmarkReadParameter(b *testing.B) {
	p := MustLookup("0C")
	response := "7E8 04 41 0C 1A F8"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ReadParameter(response, p); err != nil {
			b.Fatalf("ReadParameter failed: %v", err)
		}
	}
}
