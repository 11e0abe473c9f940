/*
Package events is an in-memory pub/sub broker used to push cluster
notifications to subscribed client API connections (spec.md §4.7): port
open/close, quorum state changes, and shutdown requests.

Publish blocks only while the broker's 100-event input queue is full; a
subscriber with a full buffer silently misses an event rather than
stalling the broadcaster. This is acceptable here because client API
subscribers also poll membership state directly — events
are a low-latency nudge, not the source of truth.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	broker.Publish(&events.Event{Type: events.EventPortOpened, Metadata: map[string]string{"node_id": "3", "port": "11"}})
*/
package events
