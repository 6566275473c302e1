// Package event provides the pub-sub bus Forge components use to report
// session activity without depending on each other.
//
// Sessions publish lifecycle events (state changes, sealed rounds, pauses,
// timeouts), conflict events and intervention events. The metrics collector
// and the CLI's live status view subscribe to them.
//
// Delivery is synchronous: [Bus.Publish] calls every matching handler on the
// caller's goroutine, type-specific handlers first and then wildcard
// handlers registered with [Bus.SubscribeAll]. A panicking handler is
// recovered and logged so it cannot starve the others.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeRoundSealed, func(e event.Event) {
//	    sealed := e.(event.RoundSealedEvent)
//	    fmt.Println(sealed.Round, sealed.Score)
//	})
package event
