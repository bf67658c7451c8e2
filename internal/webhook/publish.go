package webhook

import (
	"time"

	"bonding-curve-feed/internal/livefeed"
)

// Broadcaster fans an event out to live feed clients.
type Broadcaster interface {
	Broadcast(ev livefeed.Event) int
}

// Publish broadcasts a processing result in order: newCollections, newPools, one
// newTransaction per trade, then volumeUpdate. Empty groups are not broadcast.
// Every event is encoded before the first broadcast, so an error means nothing
// was sent. It returns the number of Broadcast calls made.
func Publish(b Broadcaster, res *Result, now time.Time) (int, error) {
	if res == nil {
		return 0, nil
	}

	var events []livefeed.Event
	add := func(eventType string, data any) error {
		ev, err := livefeed.NewEvent(eventType, data, now)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}

	if len(res.NewCollections) > 0 {
		if err := add(livefeed.EventNewCollections, res.NewCollections); err != nil {
			return 0, err
		}
	}
	if len(res.NewPools) > 0 {
		if err := add(livefeed.EventNewPools, res.NewPools); err != nil {
			return 0, err
		}
	}
	for _, trade := range res.VolumeData {
		if err := add(livefeed.EventNewTransaction, trade); err != nil {
			return 0, err
		}
	}
	if len(res.VolumeUpdates) > 0 {
		if err := add(livefeed.EventVolumeUpdate, res.VolumeUpdates); err != nil {
			return 0, err
		}
	}

	for _, ev := range events {
		b.Broadcast(ev)
	}
	return len(events), nil
}
