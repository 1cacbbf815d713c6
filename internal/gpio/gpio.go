// Package gpio drives a digital output toggled on every received notification.
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPin is the output pin toggled per notification.
const DefaultPin = 21

// Pin is a digital output.
type Pin interface {
	Number() int
	Set(high bool) error
}

// Toggler flips a Pin on every call. Safe for concurrent use.
type Toggler struct {
	mu    sync.Mutex
	pin   Pin
	level bool
	count uint64
}

// NewToggler drives pin low and returns a Toggler for it.
func NewToggler(pin Pin) (*Toggler, error) {
	if err := pin.Set(false); err != nil {
		return nil, fmt.Errorf("failed to initialize gpio %d: %w", pin.Number(), err)
	}
	return &Toggler{pin: pin}, nil
}

// Toggle inverts the pin level and returns the new level.
func (t *Toggler) Toggle() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := !t.level
	if err := t.pin.Set(next); err != nil {
		return t.level, fmt.Errorf("gpio %d: %w", t.pin.Number(), err)
	}
	t.level = next
	t.count++
	return next, nil
}

// Level returns the current pin level.
func (t *Toggler) Level() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// Toggles returns how many times the pin was toggled.
func (t *Toggler) Toggles() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// LogPin only logs level changes. Used where no GPIO hardware exists.
type LogPin struct {
	number int
	logger *logrus.Logger
}

func NewLogPin(number int, logger *logrus.Logger) *LogPin {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogPin{number: number, logger: logger}
}

func (p *LogPin) Number() int { return p.number }

func (p *LogPin) Set(high bool) error {
	p.logger.WithFields(logrus.Fields{
		"gpio":  p.number,
		"level": levelValue(high),
	}).Debug("GPIO level set")
	return nil
}

// SysfsPin drives a pin through the Linux sysfs GPIO interface.
type SysfsPin struct {
	number int
	value  string
}

// OpenSysfsPin exports the pin under root (normally /sys/class/gpio) and
// configures it as an output.
func OpenSysfsPin(root string, number int) (*SysfsPin, error) {
	dir := filepath.Join(root, fmt.Sprintf("gpio%d", number))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(number)), 0o200); err != nil {
			return nil, fmt.Errorf("failed to export gpio %d: %w", number, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to configure gpio %d as output: %w", number, err)
	}
	return &SysfsPin{number: number, value: filepath.Join(dir, "value")}, nil
}

func (p *SysfsPin) Number() int { return p.number }

func (p *SysfsPin) Set(high bool) error {
	return os.WriteFile(p.value, []byte(strconv.Itoa(levelValue(high))), 0o644)
}

func levelValue(high bool) int {
	if high {
		return 1
	}
	return 0
}
