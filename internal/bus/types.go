package bus

import "errors"

var (
	ErrBusClosed          = errors.New("bus: bus is closed")
	ErrSubscriberExists   = errors.New("bus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
	ErrNilChannel         = errors.New("bus: nil channel provided")
)

// SubscriberStats tracks distribution metrics for one subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of bus activity
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// DropRate returns dropped / (sent + dropped), 0 when nothing was delivered.
func (s Stats) DropRate() float64 {
	total := s.TotalSent + s.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(s.TotalDropped) / float64(total)
}
