package human

import (
	"math"
	"strings"
	"testing"
)

func TestTypingPlanReproducesText(t *testing.T) {
	text := "this is a very long string to increase the chance of a simulated typo correction"
	for seed := int64(0); seed < 20; seed++ {
		plan := TypingPlan(text, false, NewRand(seed))
		if got := Typed(plan); got != text {
			t.Fatalf("seed %d: typed %q, want %q", seed, got, text)
		}
		if len(plan) < len([]rune(text)) {
			t.Errorf("seed %d: expected at least %d strokes, got %d", seed, len(text), len(plan))
		}
	}
}

func TestTypingPlanCorrections(t *testing.T) {
	text := strings.Repeat("abcdefghij", 30)
	corrected := false
	for seed := int64(0); seed < 10 && !corrected; seed++ {
		for _, s := range TypingPlan(text, false, NewRand(seed)) {
			if s.Key == Backspace {
				corrected = true
				break
			}
		}
	}
	if !corrected {
		t.Error("expected at least one simulated correction over long input")
	}
}

func TestTypingPlanFastIsQuicker(t *testing.T) {
	text := strings.Repeat("x", 200)
	var slow, fast int64
	for _, s := range TypingPlan(text, false, NewRand(7)) {
		slow += int64(s.Pause)
	}
	for _, s := range TypingPlan(text, true, NewRand(7)) {
		fast += int64(s.Pause)
	}
	if fast >= slow {
		t.Errorf("fast plan (%d) should be quicker than normal (%d)", fast, slow)
	}
}

func TestTypingPlanUnicode(t *testing.T) {
	text := "héllo 👋"
	if got := Typed(TypingPlan(text, true, NewRand(3))); got != text {
		t.Errorf("typed %q, want %q", got, text)
	}
}

func TestMousePathEndsOnTarget(t *testing.T) {
	path := MousePath(0, 0, 400, 300, NewRand(1))
	if len(path) < 6 || len(path) > 31 {
		t.Errorf("unexpected path length %d", len(path))
	}
	last := path[len(path)-1]
	if math.Abs(last.X-400) > 1e-9 || math.Abs(last.Y-300) > 1e-9 {
		t.Errorf("path ends at (%v,%v), want (400,300)", last.X, last.Y)
	}
}

func TestPlanClickNearTarget(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		p := PlanClick(100, 100, NewRand(seed))
		if len(p.Path) == 0 {
			t.Fatal("empty click path")
		}
		end := p.Path[len(p.Path)-1]
		if math.Abs(end.X-100) > 5 || math.Abs(end.Y-100) > 5 {
			t.Errorf("seed %d: click lands at (%v,%v), too far from target", seed, end.X, end.Y)
		}
		if p.Hold <= 0 || p.PressWait <= 0 {
			t.Errorf("seed %d: expected positive timings, got %+v", seed, p)
		}
	}
}

func TestNilRandUsesDefault(t *testing.T) {
	if got := Typed(TypingPlan("ok", true, nil)); got != "ok" {
		t.Errorf("typed %q, want ok", got)
	}
}
