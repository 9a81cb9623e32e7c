// Package queue implements the global message queue subsystem: a
// multi-tenant, priority-aware request/response bus connecting
// producers to workers, with responses multiplexed back to agents by a
// per-server coordinator.
//
// # Architecture
//
// The package follows an adapter pattern: core types and component
// logic live here with zero broker/store dependencies; concrete drivers
// live in queue/adapters/{amqp,memory} and queue/store/{postgres,
// memstore}. A Runtime wires a driver pair together and owns component
// lifecycle.
package queue
