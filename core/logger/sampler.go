package logger

import (
	"strconv"
	"strings"
	"sync"
)

// maxSampledEvents bounds the per-event counters; beyond it all events share one counter.
const maxSampledEvents = 256

// eventSampler passes num out of every den occurrences of each event name.
// The first occurrence of an event always passes.
type eventSampler struct {
	mu       sync.Mutex
	num, den int
	counters map[string]int
	shared   int
}

func newEventSampler(num, den int) *eventSampler {
	s := &eventSampler{}
	s.Set(num, den)
	return s
}

// Set replaces the ratio and resets all counters. A non-positive side disables sampling.
func (s *eventSampler) Set(num, den int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if num <= 0 || den <= 0 {
		num, den = 0, 0
	} else if num > den {
		num = den
	}
	s.num, s.den = num, den
	s.counters = make(map[string]int)
	s.shared = 0
}

// Allow reports whether this occurrence of event should be logged.
func (s *eventSampler) Allow(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.den == 0 {
		return true
	}
	n, ok := s.counters[event]
	switch {
	case ok:
		s.counters[event] = (n + 1) % s.den
	case len(s.counters) < maxSampledEvents:
		s.counters[event] = 1 % s.den
	default:
		n = s.shared
		s.shared = (n + 1) % s.den
	}
	return n < s.num
}

// parseRatioSpec accepts "num/den" or "den" (meaning 1/den).
func parseRatioSpec(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0
	}
	if numStr, denStr, ok := strings.Cut(spec, "/"); ok {
		num, err1 := strconv.Atoi(strings.TrimSpace(numStr))
		den, err2 := strconv.Atoi(strings.TrimSpace(denStr))
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return num, den
	}
	v, err := strconv.Atoi(spec)
	if err != nil || v <= 0 {
		return 0, 0
	}
	return 1, v
}
