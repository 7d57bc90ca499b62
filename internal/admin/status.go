package admin

import (
	"sync/atomic"
	"time"
)

// Status is the collector's health state. It starts unhealthy and becomes OK
// once the agent listener is bound.
type Status struct {
	ok    atomic.Bool
	since atomic.Int64 // unix nanos of the first ReportOK
}

func NewStatus() *Status {
	return &Status{}
}

// ReportOK marks the collector healthy. Only the first call has an effect.
func (s *Status) ReportOK() {
	if s.ok.CompareAndSwap(false, true) {
		s.since.Store(time.Now().UnixNano())
	}
}

// OK reports whether ReportOK has been called.
func (s *Status) OK() bool {
	return s.ok.Load()
}

// Since returns when the collector became healthy, or the zero time.
func (s *Status) Since() time.Time {
	ns := s.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
