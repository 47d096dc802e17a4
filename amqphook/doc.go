// Package amqphook publishes photoq lifecycle events to an AMQP
// exchange. When registered as an extension it emits one message per
// lifecycle point (photoq.job.completed, photoq.breaker.state_changed,
// etc.), encoded with a pluggable codec and routed by event type on a
// durable direct exchange, so consumers bind only the events they want.
//
// Hooks never block the engine: events pass through a buffered channel
// drained by a single publisher goroutine, and when the buffer is full
// the event is dropped and counted (see [Extension.Dropped]).
//
// Usage:
//
//	conn, _ := amqp.Dial(url)
//	ch, _ := conn.Channel()
//	pub, _ := amqphook.NewExchangePublisher(ch, amqphook.DefaultExchange)
//
//	hook := amqphook.New(pub,
//	    amqphook.WithEvents(
//	        amqphook.EventJobCompleted,
//	        amqphook.EventJobDeadLettered,
//	    ),
//	)
//
// The extension flushes its buffer when the engine emits shutdown;
// standalone users call [Extension.Close].
package amqphook
