package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/common"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Append(s common.Snapshot, capacity int) error {
	args := m.Called(s, capacity)
	return args.Error(0)
}

func (m *MockPersister) Load(limit int) ([]common.Snapshot, error) {
	args := m.Called(limit)
	snapshots, _ := args.Get(0).([]common.Snapshot)
	return snapshots, args.Error(1)
}

func snapshotAt(clk clock.Clock, values map[string]float64) common.Snapshot {
	return common.Snapshot{Timestamp: clk.Now(), Values: values}
}

func TestBufferTrimsOldestFirst(t *testing.T) {
	clk := clock.NewMock()
	b := NewBuffer(3, nil, zaptest.NewLogger(t))

	for i := 1; i <= 5; i++ {
		b.Append(snapshotAt(clk, map[string]float64{"engine_rpm": float64(i * 100)}))
		clk.Add(time.Second)
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []float64{300, 400, 500}, b.Series("engine_rpm"))

	snapshots := b.Snapshots()
	require.Len(t, snapshots, 3)
	assert.True(t, snapshots[0].Timestamp.Before(snapshots[2].Timestamp))
}

func TestBufferCapacityInvariant(t *testing.T) {
	b := NewBuffer(0, nil, nil)
	assert.Equal(t, DefaultCapacity, b.Capacity())

	for i := 0; i < DefaultCapacity+37; i++ {
		b.Append(common.Snapshot{Timestamp: time.Unix(int64(i), 0), Values: map[string]float64{"x": float64(i)}})
		assert.LessOrEqual(t, b.Len(), DefaultCapacity)
	}
	series := b.Series("x")
	assert.Equal(t, 37.0, series[0])
	assert.Equal(t, float64(DefaultCapacity+36), series[len(series)-1])
}

func TestBufferSeriesAndLatest(t *testing.T) {
	b := NewBuffer(10, nil, zaptest.NewLogger(t))

	b.Append(common.Snapshot{Values: map[string]float64{"control_module_voltage": 12.6}})
	b.Append(common.Snapshot{Values: map[string]float64{"engine_rpm": 800}})
	b.Append(common.Snapshot{Values: map[string]float64{"control_module_voltage": 12.5, "engine_rpm": 850}})
	b.Append(common.Snapshot{})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []float64{12.6, 12.5}, b.Series("control_module_voltage"))

	v, ok := b.Latest("engine_rpm")
	assert.True(t, ok)
	assert.Equal(t, 850.0, v)

	_, ok = b.Latest("coolant_temperature")
	assert.False(t, ok)
}

func TestBufferCopiesValues(t *testing.T) {
	b := NewBuffer(10, nil, nil)
	values := map[string]float64{"engine_rpm": 800}
	b.Append(common.Snapshot{Values: values})
	values["engine_rpm"] = 9000

	v, _ := b.Latest("engine_rpm")
	assert.Equal(t, 800.0, v)
}

func TestBufferPersists(t *testing.T) {
	p := new(MockPersister)
	p.On("Append", mock.AnythingOfType("common.Snapshot"), 5).Return(errors.New("disk full")).Once()
	p.On("Append", mock.AnythingOfType("common.Snapshot"), 5).Return(nil)

	b := NewBuffer(5, p, zaptest.NewLogger(t))
	b.Append(common.Snapshot{Values: map[string]float64{"a": 1}})
	b.Append(common.Snapshot{Values: map[string]float64{"a": 2}})

	// Ошибка хранилища не теряет срез в памяти
	assert.Equal(t, 2, b.Len())
	p.AssertNumberOfCalls(t, "Append", 2)
}

func TestBufferLoad(t *testing.T) {
	p := new(MockPersister)
	stored := []common.Snapshot{
		{Values: map[string]float64{"a": 1}},
		{Values: map[string]float64{"a": 2}},
	}
	p.On("Load", 5).Return(stored, nil)

	b := NewBuffer(5, p, zaptest.NewLogger(t))
	require.NoError(t, b.Load())
	assert.Equal(t, []float64{1, 2}, b.Series("a"))

	failing := new(MockPersister)
	failing.On("Load", 5).Return(nil, errors.New("corrupt"))
	assert.Error(t, NewBuffer(5, failing, nil).Load())

	assert.NoError(t, NewBuffer(5, nil, nil).Load())
}

func TestBoltPersister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	p, err := OpenBolt(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		s := common.Snapshot{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Values:    map[string]float64{"control_module_voltage": 12.0 + float64(i)/10},
		}
		require.NoError(t, p.Append(s, 4))
	}

	snapshots, err := p.Load(10)
	require.NoError(t, err)
	require.Len(t, snapshots, 4)
	assert.True(t, snapshots[0].Timestamp.Equal(base.Add(3*time.Second)))
	assert.InDelta(t, 12.6, snapshots[3].Values["control_module_voltage"], 1e-9)

	limited, err := p.Load(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.True(t, limited[1].Timestamp.Equal(base.Add(6*time.Second)))
	require.NoError(t, p.Close())

	// После переоткрытия история восстанавливается в буфер
	p, err = OpenBolt(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	b := NewBuffer(3, p, zaptest.NewLogger(t))
	require.NoError(t, b.Load())
	assert.Equal(t, 3, b.Len())
	v, ok := b.Latest("control_module_voltage")
	assert.True(t, ok)
	assert.InDelta(t, 12.6, v, 1e-9)
}
