package ws

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickSubscriber
)

// Policy decides what happens to a subscriber whose buffer stayed full.
type Policy interface {
	OnBackPressure(feed string, pending int) BackpressureAction
}

// SimplePolicy disconnects slow subscribers. They resubscribe and get the
// replay instead of a stream with holes.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string, int) BackpressureAction {
	return KickSubscriber
}
