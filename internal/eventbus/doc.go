// Package eventbus provides an ordered in-process publish/subscribe bus.
//
// The connection manager publishes connection state changes and inbound
// group events on one bus, so every subscriber observes them interleaved in
// the order the transport produced them.
//
//	bus := eventbus.New[knx.GroupEvent](eventbus.Config{})
//	defer bus.Close()
//
//	sub, err := bus.Subscribe("recorder", func(ev knx.GroupEvent) {
//	    recorder.Record(ev)
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	bus.Publish(ev)
//
// Queues are unbounded: a slow handler accumulates a backlog and is
// reported once it exceeds Config.QueueSize, but no event is dropped.
// A handler panic is recovered, logged and counted.
package eventbus
