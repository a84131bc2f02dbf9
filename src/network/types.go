package network

import (
	"time"

	"liftdispatch/src/elev"
)

// StatusMsg is one fleet snapshot sent on the status feed.
type StatusMsg struct {
	NodeID    string           `json:"node_id"`
	Counter   uint64           `json:"counter"`
	Elevators []elev.ElevState `json:"elevators"`
	SentAt    time.Time        `json:"sent_at"`
}

// FeedUpdate is emitted by a Receiver when a new snapshot arrives or the set of live nodes changes.
type FeedUpdate struct {
	Nodes  []string
	New    string
	Lost   []string
	Status *StatusMsg
}
