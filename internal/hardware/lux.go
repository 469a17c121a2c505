package hardware

import (
	"context"
	"math"
)

// ADCMax is the full-scale reading of the 10-bit converter.
const ADCMax = 1023

// Lux converts a light-sensor ADC reading to lux using the photoresistor
// curve lux = 10000 / (R*15)^(4/3) with R = (1023-raw)*10/raw kΩ.
// A zero reading is complete darkness. A full-scale reading is clamped one
// count below so the result stays finite.
func Lux(raw int) float64 {
	if raw <= 0 {
		return 0
	}
	if raw >= ADCMax {
		raw = ADCMax - 1
	}
	resistance := float64(ADCMax-raw) * 10 / float64(raw)
	return 10000 / math.Pow(resistance*15, 4.0/3.0)
}

// LuxSampler converts raw ADC samples to lux.
type LuxSampler struct {
	adc Sampler[int]
}

// NewLuxSampler wraps an ADC sampler.
func NewLuxSampler(adc Sampler[int]) *LuxSampler {
	return &LuxSampler{adc: adc}
}

func (s *LuxSampler) Sample(ctx context.Context) (float64, error) {
	raw, err := s.adc.Sample(ctx)
	if err != nil {
		return 0, err
	}
	return Lux(raw), nil
}

// Close releases the underlying converter if it holds a resource.
func (s *LuxSampler) Close() error {
	if c, ok := s.adc.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
