package devices

import (
	"context"
	"testing"
	"time"

	"github.com/srg/ocfd/internal/hardware"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DevicesTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *DevicesTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *DevicesTestSuite) TestButton() {
	s.Run("payload shape", func() {
		b := NewButton(Settings{Path: "/a/button", Interval: 200 * time.Millisecond}, hardware.NewScriptedSampler[bool]())

		testutils.NewJSONAsserter(s.T()).AssertPayload(b.Payload(), `{"rt":"oic.r.button","id":"button","value":false}`)
		s.Equal([]string{"rt", "id", "value"}, b.Payload().Keys())
		s.False(b.Info().Writable)
		s.Equal(200*time.Millisecond, b.Info().PollInterval)
	})

	s.Run("published sequence follows edge rule", func() {
		b := NewButton(Settings{Path: "/a/button"}, hardware.NewScriptedSampler(false, true, true, false, true))

		var published []bool
		for i := 0; i < 5; i++ {
			_, err := b.Refresh(s.ctx)
			s.Require().NoError(err)
			v, _ := b.Payload().Bool("value")
			published = append(published, v)
		}
		s.Equal([]bool{false, true, true, true, false}, published)
	})

	s.Run("simulated button toggles on every sample", func() {
		b := NewButton(Settings{Path: "/a/button", Simulated: true}, hardware.NewToggleSampler(false))

		var changes, published []bool
		for i := 0; i < 6; i++ {
			changed, err := b.Refresh(s.ctx)
			s.Require().NoError(err)
			v, _ := b.Payload().Bool("value")
			changes = append(changes, changed)
			published = append(published, v)
		}
		s.Equal([]bool{true, true, true, true, true, true}, changes, "every simulated sample MUST be a change")
		s.Equal([]bool{true, false, true, false, true, false}, published)
		s.True(b.Simulated())
	})

	s.Run("update is unsupported", func() {
		b := NewButton(Settings{Path: "/a/button"}, hardware.NewToggleSampler(false))
		_, err := b.Apply(s.ctx, resource.NewPayload())
		s.ErrorIs(err, resource.ErrUnsupported)
	})
}

func (s *DevicesTestSuite) newLED() (*RGBLED, *hardware.MemoryActuator[hardware.RGB]) {
	mem := hardware.NewMemoryActuator(hardware.RGB{R: 1, G: 2, B: 3})
	led, err := NewRGBLED(s.ctx, Settings{Path: "/a/rgbled", Interval: 200 * time.Millisecond}, mem)
	s.Require().NoError(err)
	return led, mem
}

func (s *DevicesTestSuite) TestRGBLED() {
	s.Run("payload shape", func() {
		led, _ := s.newLED()

		testutils.NewJSONAsserter(s.T()).AssertPayload(led.Payload(),
			`{"rt":"oic.r.colour.rgb","id":"rgbled","rgbValue":"1,2,3","range":"0,255"}`)
		s.Equal([]string{"rt", "id", "rgbValue", "range"}, led.Payload().Keys())
		s.True(led.Info().Writable)
	})

	s.Run("valid update actuates", func() {
		led, mem := s.newLED()

		changed, err := led.Apply(s.ctx, resource.PayloadOf("rgbValue", "255,0,128"))

		s.Require().NoError(err)
		s.True(changed)
		rgb, _ := led.Payload().String("rgbValue")
		s.Equal("255,0,128", rgb)
		s.Equal([]hardware.RGB{{R: 255, G: 0, B: 128}}, mem.Writes())
	})

	s.Run("channel 256 leaves colour unchanged", func() {
		led, mem := s.newLED()

		changed, err := led.Apply(s.ctx, resource.PayloadOf("rgbValue", "256,0,0"))

		s.ErrorIs(err, hardware.ErrOutOfRange)
		s.False(changed)
		rgb, _ := led.Payload().String("rgbValue")
		s.Equal("1,2,3", rgb, "rgbValue MUST be unchanged")
		s.Empty(mem.Writes(), "rejected update MUST NOT reach the LED")
	})

	s.Run("malformed requests are rejected", func() {
		led, _ := s.newLED()

		for _, req := range []*resource.Payload{
			resource.NewPayload(),
			resource.PayloadOf("rgbValue", 12.0),
			resource.PayloadOf("rgbValue", "1,2"),
			resource.PayloadOf("rgbValue", "x,y,z"),
		} {
			changed, err := led.Apply(s.ctx, req)
			s.Error(err)
			s.False(changed)
		}
	})

	s.Run("same colour is not a change", func() {
		led, mem := s.newLED()

		changed, err := led.Apply(s.ctx, resource.PayloadOf("rgbValue", "1,2,3"))

		s.NoError(err)
		s.False(changed)
		s.Empty(mem.Writes())
	})

	s.Run("close turns the LED off", func() {
		led, mem := s.newLED()

		s.Require().NoError(led.Close(s.ctx))

		s.Equal([]hardware.RGB{hardware.Off}, mem.Writes())
		s.Equal(hardware.Off, led.Current())
	})

	s.Run("external change is detected on refresh", func() {
		led, mem := s.newLED()
		_ = mem.Actuate(s.ctx, hardware.RGB{R: 9})

		changed, err := led.Refresh(s.ctx)

		s.NoError(err)
		s.True(changed)
		changed, _ = led.Refresh(s.ctx)
		s.False(changed)
	})
}

func (s *DevicesTestSuite) TestIlluminance() {
	s.Run("payload shape", func() {
		ill := NewIlluminance(Settings{Path: "/a/illuminance", Interval: 2 * time.Second}, hardware.NewDriftSampler(0, 0.1), 0)

		testutils.NewJSONAsserter(s.T()).AssertPayload(ill.Payload(),
			`{"rt":"oic.r.sensor.illuminance","id":"illuminance","illuminance":0}`)
		s.Equal(2*time.Second, ill.Info().PollInterval)
	})

	s.Run("simulated drift advances by 0.1 per sample", func() {
		ill := NewIlluminance(Settings{Path: "/a/illuminance"}, hardware.NewDriftSampler(0, 0.1), 0)

		for _, want := range []float64{0.1, 0.2, 0.3, 0.4} {
			changed, err := ill.Refresh(s.ctx)
			s.Require().NoError(err)
			s.True(changed)
			v, _ := ill.Payload().Float("illuminance")
			s.Equal(want, v)
		}
	})

	s.Run("noise below resolution is ignored", func() {
		ill := NewIlluminance(Settings{Path: "/a/illuminance"}, hardware.NewScriptedSampler(3.14159, 3.144, 3.15), 3.14)

		changed, _ := ill.Refresh(s.ctx)
		s.False(changed)
		changed, _ = ill.Refresh(s.ctx)
		s.False(changed)
		changed, _ = ill.Refresh(s.ctx)
		s.True(changed)
		v, _ := ill.Payload().Float("illuminance")
		s.Equal(3.15, v)
	})
}

func TestDevicesTestSuite(t *testing.T) {
	suite.Run(t, new(DevicesTestSuite))
}
