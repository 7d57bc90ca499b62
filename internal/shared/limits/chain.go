package limits

// Limiter admits or refuses a new connection from ip.
type Limiter interface {
	Allow(ip string) bool
}

// Reporter is a limiter that exposes its counters under a stable name.
type Reporter interface {
	Name() string
	Report() any
}

// Chain admits a connection only when every limiter does. Limiters run in
// order and stop at the first refusal.
type Chain []Limiter

func (c Chain) Allow(ip string) bool {
	for _, l := range c {
		if !l.Allow(ip) {
			return false
		}
	}
	return true
}

// Stats collects the report of every member that is a Reporter.
func (c Chain) Stats() map[string]any {
	out := make(map[string]any, len(c))
	for _, l := range c {
		if r, ok := l.(Reporter); ok {
			out[r.Name()] = r.Report()
		}
	}
	return out
}
