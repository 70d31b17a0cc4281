// Package shutdown stops a vessel daemon in phases.
//
// Handlers register under a phase; lower phases run first and handlers in
// the same phase run concurrently. vesseld uses three:
//
//	PhaseIntake     stop serving metrics, stop the coordinator
//	PhaseLoop       stop the node's event loop and wait for LOOP_CLOSED
//	PhaseTransport  close discovery, the bus and the trace exporter
//
// Ordering matters because the event loop deregisters from discovery and
// unsubscribes from the bus on its way out; closing either first turns a
// clean departure into a heartbeat timeout on every peer.
//
//	coord := shutdown.New(shutdown.Config{Timeout: 10 * time.Second, Logger: log})
//	coord.Register("node", shutdown.PhaseLoop, shutdown.Func(stopNode))
//	coord.Register("bus", shutdown.PhaseTransport, shutdown.Func(closeBus))
//	stop := coord.HandleSignals()
//	defer stop()
//	<-coord.Done()
package shutdown
