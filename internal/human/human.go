// Package human plans keystroke and pointer timings that look like a person
// at a keyboard. It produces plans only; the browser driver executes them.
package human

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Rand is a goroutine-safe random source. Plans for different accounts are
// built concurrently.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRand(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

func (r *Rand) intn(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func (r *Rand) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

var defaultRand = NewRand(time.Now().UnixNano())

func orDefault(r *Rand) *Rand {
	if r != nil {
		return r
	}
	return defaultRand
}

// Stroke is one key press followed by a pause.
type Stroke struct {
	Key   string
	Pause time.Duration
}

// Backspace is the key value used when a simulated typo is corrected.
const Backspace = "\b"

// TypingPlan returns the strokes for text. Fast halves the base delay. Roughly
// one in thirty characters is followed by a wrong key and a correction; the
// final character never is, so the typed result always equals text.
func TypingPlan(text string, fast bool, r *Rand) []Stroke {
	r = orDefault(r)
	baseDelay := 80
	if fast {
		baseDelay = 40
	}

	chars := []rune(text)
	plan := make([]Stroke, 0, len(chars)+len(chars)/10)
	for i, char := range chars {
		delay := baseDelay + r.intn(baseDelay/2)
		if r.float64() < 0.05 {
			delay += r.intn(500)
		}
		if i > 0 && chars[i-1] == char {
			delay /= 2
		}
		plan = append(plan, Stroke{Key: string(char), Pause: ms(delay)})

		if r.float64() < 0.03 && i < len(chars)-1 {
			wrong := rune('a' + r.intn(26))
			plan = append(plan,
				Stroke{Key: string(wrong), Pause: ms(50 + r.intn(100))},
				Stroke{Key: Backspace, Pause: ms(30 + r.intn(70))},
			)
		}
	}
	return plan
}

// Typed replays a plan and returns the resulting text.
func Typed(plan []Stroke) string {
	out := make([]rune, 0, len(plan))
	for _, s := range plan {
		if s.Key == Backspace {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, []rune(s.Key)...)
	}
	return string(out)
}

// Point is one pointer position in a movement path.
type Point struct {
	X, Y  float64
	Pause time.Duration
}

// MousePath returns a cubic bezier path from (fromX, fromY) to (toX, toY)
// with small jitter. The last point is exactly the target.
func MousePath(fromX, fromY, toX, toY float64, r *Rand) []Point {
	r = orDefault(r)
	distance := math.Hypot(toX-fromX, toY-fromY)
	duration := 100 + (distance/2000)*200 + float64(r.intn(100))

	steps := int(duration / 20)
	steps = max(5, min(steps, 30))

	cp1X := fromX + (toX-fromX)*0.25 + (r.float64()-0.5)*50
	cp1Y := fromY + (toY-fromY)*0.25 + (r.float64()-0.5)*50
	cp2X := fromX + (toX-fromX)*0.75 + (r.float64()-0.5)*50
	cp2Y := fromY + (toY-fromY)*0.75 + (r.float64()-0.5)*50

	path := make([]Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		u := 1 - t
		x := u*u*u*fromX + 3*u*u*t*cp1X + 3*u*t*t*cp2X + t*t*t*toX
		y := u*u*u*fromY + 3*u*u*t*cp1Y + 3*u*t*t*cp2Y + t*t*t*toY
		if i < steps {
			x += (r.float64() - 0.5) * 2
			y += (r.float64() - 0.5) * 2
		}
		path = append(path, Point{X: x, Y: y, Pause: ms(16 + r.intn(8))})
	}
	return path
}

// ClickPlan describes a click at an element center: where the pointer
// approaches from, the approach path, and how long the button is held.
type ClickPlan struct {
	Path      []Point
	PressWait time.Duration
	Hold      time.Duration
}

// PlanClick aims near (x, y) with a few pixels of offset.
func PlanClick(x, y float64, r *Rand) ClickPlan {
	r = orDefault(r)
	tx := x + (r.float64()-0.5)*10
	ty := y + (r.float64()-0.5)*10
	sx := tx + (r.float64()-0.5)*200 + 50
	sy := ty + (r.float64()-0.5)*200 + 50

	var path []Point
	if math.Hypot(sx-tx, sy-ty) > 30 {
		path = MousePath(sx, sy, tx, ty, r)
	} else {
		path = []Point{{X: tx, Y: ty}}
	}
	return ClickPlan{
		Path:      path,
		PressWait: ms(50 + r.intn(150)),
		Hold:      ms(30 + r.intn(90)),
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
