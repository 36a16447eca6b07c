package transformer

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/airmesh/config"
	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/readings"
)

// Calibrator runs local readings through an optional calibrate(reading)
// script. Without a script readings pass through unchanged.
type Calibrator struct {
	mu     sync.Mutex
	script *script
}

type script struct {
	vm        *goja.Runtime
	calibrate goja.Callable
	source    string
}

// NewCalibrator loads the configured script, if any
func NewCalibrator(cfg config.CalibrationConfig) (*Calibrator, error) {
	c := &Calibrator{}
	if err := c.Reload(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Enabled reports whether a script is loaded
func (c *Calibrator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script != nil
}

// Reload swaps the script. On error the previous script stays active.
func (c *Calibrator) Reload(cfg config.CalibrationConfig) error {
	code, source, err := loadScript(cfg)
	if err != nil {
		return err
	}

	var s *script
	if code != "" {
		s, err = newScript(code, source)
		if err != nil {
			return fmt.Errorf("failed to load calibration script %s: %v", source, err)
		}
	}

	c.mu.Lock()
	c.script = s
	c.mu.Unlock()

	if s == nil {
		logger.Info("Calibration disabled, raw readings pass through")
	} else {
		logger.Info("Loaded calibration script %s", source)
	}
	return nil
}

// Inline code wins over a script path
func loadScript(cfg config.CalibrationConfig) (code, source string, err error) {
	switch {
	case cfg.ScriptCode != "":
		return cfg.ScriptCode, "<inline>", nil
	case cfg.ScriptPath != "":
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to read calibration script %s: %v", cfg.ScriptPath, err)
		}
		return string(b), cfg.ScriptPath, nil
	default:
		return "", "", nil
	}
}

func newScript(code, source string) (*script, error) {
	vm := goja.New()
	injectHelpers(vm)

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to run script: %v", err)
	}

	fn := vm.Get("calibrate")
	if fn == nil || goja.IsUndefined(fn) {
		return nil, fmt.Errorf("script does not define a 'calibrate' function")
	}
	calibrate, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("'calibrate' is not a function")
	}

	return &script{vm: vm, calibrate: calibrate, source: source}, nil
}

func injectHelpers(vm *goja.Runtime) {
	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})
}

// convertTemperature converts between C, F and K; unknown units return the input
func convertTemperature(value float64, fromUnit, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "C":
		return celsius
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Apply calibrates one reading. The timestamp is never touched by the script.
func (c *Calibrator) Apply(r readings.Reading) (readings.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.script == nil {
		return r, nil
	}

	s := c.script
	in := s.vm.NewObject()
	_ = in.Set("pm1_0", int64(r.PM1_0))
	_ = in.Set("pm2_5", int64(r.PM2_5))
	_ = in.Set("pm10_0", int64(r.PM10_0))
	_ = in.Set("temperature", r.Temperature)
	_ = in.Set("humidity", r.Humidity)

	result, err := s.calibrate(goja.Undefined(), in)
	if err != nil {
		return r, fmt.Errorf("calibration script failed: %v", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return r, fmt.Errorf("calibration script returned no reading")
	}
	obj := result.ToObject(s.vm)

	out := r
	fields := []struct {
		key string
		set func(float64)
	}{
		{"pm1_0", func(v float64) { out.PM1_0 = clampPM(v) }},
		{"pm2_5", func(v float64) { out.PM2_5 = clampPM(v) }},
		{"pm10_0", func(v float64) { out.PM10_0 = clampPM(v) }},
		{"temperature", func(v float64) { out.Temperature = v }},
		{"humidity", func(v float64) { out.Humidity = v }},
	}
	for _, f := range fields {
		v := obj.Get(f.key)
		if v == nil || goja.IsUndefined(v) {
			// absent keys keep the raw value
			continue
		}
		n := v.ToFloat()
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return r, fmt.Errorf("calibration script returned non-finite %s", f.key)
		}
		f.set(n)
	}
	return out, nil
}

func clampPM(v float64) uint16 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
