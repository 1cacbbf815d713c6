package gpio

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPin struct {
	mu     sync.Mutex
	levels []bool
	fail   bool
}

func (p *memoryPin) Number() int { return DefaultPin }

func (p *memoryPin) Set(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("pin fault")
	}
	p.levels = append(p.levels, high)
	return nil
}

func TestToggler(t *testing.T) {
	// GOAL: Each toggle inverts the pin, starting from low
	//
	// TEST SCENARIO: init → low; toggle ×3 → high, low, high

	pin := &memoryPin{}
	tg, err := NewToggler(pin)
	require.NoError(t, err)

	for _, want := range []bool{true, false, true} {
		got, err := tg.Toggle()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []bool{false, true, false, true}, pin.levels)
	assert.Equal(t, uint64(3), tg.Toggles())
	assert.True(t, tg.Level())
}

func TestTogglerKeepsLevelOnFailure(t *testing.T) {
	pin := &memoryPin{}
	tg, err := NewToggler(pin)
	require.NoError(t, err)

	pin.fail = true
	level, err := tg.Toggle()
	assert.Error(t, err)
	assert.False(t, level, "failed toggle MUST keep the previous level")
	assert.Equal(t, uint64(0), tg.Toggles())
}

func TestTogglerConcurrent(t *testing.T) {
	tg, err := NewToggler(&memoryPin{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tg.Toggle()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(100), tg.Toggles())
	assert.False(t, tg.Level(), "an even number of toggles MUST end low")
}

func TestLogPin(t *testing.T) {
	logger, hook := testutils.NewCapturingLogger()
	pin := NewLogPin(DefaultPin, logger)

	require.NoError(t, pin.Set(true))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, 21, hook.LastEntry().Data["gpio"])
	assert.Equal(t, 1, hook.LastEntry().Data["level"])
}

func TestSysfsPin(t *testing.T) {
	// GOAL: Sysfs pin exports itself, sets direction and writes levels
	//
	// TEST SCENARIO: fake sysfs tree → open pin 21 → export written → set high → value "1"

	root := t.TempDir()
	// Emulate the kernel creating the pin directory on export
	dir := filepath.Join(root, "gpio21")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	pin, err := OpenSysfsPin(root, DefaultPin)
	require.NoError(t, err)

	direction, err := os.ReadFile(filepath.Join(dir, "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(direction))

	require.NoError(t, pin.Set(true))
	value, err := os.ReadFile(filepath.Join(dir, "value"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))
}
