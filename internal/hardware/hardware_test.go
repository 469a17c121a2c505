package hardware

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRGB(t *testing.T) {
	tests := []struct {
		in    string
		want  RGB
		valid bool
	}{
		{in: "0,0,0", want: RGB{}, valid: true},
		{in: "255,128,1", want: RGB{255, 128, 1}, valid: true},
		{in: " 1, 2 ,3", want: RGB{1, 2, 3}, valid: true},
		{in: "256,0,0"},
		{in: "0,-1,0"},
		{in: "0,0"},
		{in: "a,b,c"},
		{in: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRGB(tt.in)
			if !tt.valid {
				assert.ErrorIs(t, err, ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), RGB{got.R, got.G, got.B}.String())
		})
	}
}

func TestToggleSampler(t *testing.T) {
	s := NewToggleSampler(false)
	ctx := context.Background()

	var got []bool
	for i := 0; i < 4; i++ {
		v, err := s.Sample(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []bool{true, false, true, false}, got)
}

func TestDriftSampler(t *testing.T) {
	s := NewDriftSampler(0, 0.1)
	ctx := context.Background()

	v1, _ := s.Sample(ctx)
	v2, _ := s.Sample(ctx)

	assert.InDelta(t, 0.1, v1, 1e-9)
	assert.InDelta(t, 0.2, v2, 1e-9)
}

func TestScriptedSampler(t *testing.T) {
	s := NewScriptedSampler(1, 2)
	ctx := context.Background()

	a, _ := s.Sample(ctx)
	b, _ := s.Sample(ctx)
	c, _ := s.Sample(ctx)

	assert.Equal(t, []int{1, 2, 2}, []int{a, b, c}, "exhausted script MUST repeat its last value")
	assert.Equal(t, 0, s.Remaining())

	empty := NewScriptedSampler[bool]()
	v, err := empty.Sample(ctx)
	assert.NoError(t, err)
	assert.False(t, v)
}

func TestMemoryActuator(t *testing.T) {
	a := NewMemoryActuator(RGB{})
	ctx := context.Background()

	require.NoError(t, a.Actuate(ctx, RGB{1, 2, 3}))
	v, _ := a.Sample(ctx)

	assert.Equal(t, RGB{1, 2, 3}, v)
	assert.Equal(t, []RGB{{1, 2, 3}}, a.Writes())
}

func TestLux(t *testing.T) {
	assert.Equal(t, 0.0, Lux(0), "darkness MUST be zero lux")
	assert.False(t, math.IsInf(Lux(ADCMax), 0), "full scale MUST stay finite")
	assert.Less(t, Lux(300), Lux(700), "brighter light MUST read higher")

	// R = (1023-512)*10/512 ≈ 9.98 kΩ
	expected := 10000 / math.Pow((float64(1023-512)*10/512)*15, 4.0/3.0)
	assert.InDelta(t, expected, Lux(512), 1e-9)
}

func TestLuxSampler(t *testing.T) {
	s := NewLuxSampler(NewScriptedSampler(512))

	v, err := s.Sample(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, Lux(512), v, 1e-9)
}
