package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickPeer
)

// Policy decides what happens to a peer whose outbound queue is full.
type Policy interface {
	OnBackPressure(room *Room, peer *Peer) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Room, *Peer) BackpressureAction {
	return KickPeer
}
