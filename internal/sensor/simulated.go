package sensor

import (
	"math/rand"
	"sync"
	"time"
)

// noise is the peak amplitude of simulated vibration on each axis, in g
const noise = 0.05

// Simulated produces readings of a device lying flat with light vibration.
type Simulated struct {
	mu  sync.Mutex
	rng GravityRange
	rnd *rand.Rand
}

// NewSimulated returns a simulated handle; seed 0 picks a time based seed.
func NewSimulated(r GravityRange, seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Simulated{
		rng: r,
		rnd: rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulated) Acceleration() (Acceleration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.rng.G()
	jitter := func(base float64) float64 {
		v := base + (s.rnd.Float64()*2-1)*noise
		return clamp(v, -limit, limit)
	}

	return Acceleration{
		X: jitter(0),
		Y: jitter(0),
		Z: jitter(1),
	}, nil
}

func (s *Simulated) Range() GravityRange {
	return s.rng
}

func (*Simulated) Close() error {
	return nil
}

// SimulatedOpener opens Simulated handles.
func SimulatedOpener() Opener {
	return OpenerFunc(func(r GravityRange) (Sensor, error) {
		return NewSimulated(r, 0), nil
	})
}

func clamp(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
