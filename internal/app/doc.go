// Package app composes the supply layer into a running application.
//
// # Architecture Role
//
// The app package wires domain services, storage, and the HTTP surface
// together and manages their lifecycle. It is NOT a business logic layer;
// business logic belongs in the packages under services/. app decides
// which implementations run and how they connect.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── cache/              # Read-through cache with request coalescing
//	├── domain/             # Domain models (pure data structures)
//	│   ├── intent/         # Reorder intents, transfers, and outcomes
//	│   ├── inventory/      # Inventory items and suppliers
//	│   ├── pipeline/       # Inbound delivery records
//	│   ├── plan/           # Planner candidates and ordering strategies
//	│   └── restaurant/     # Registrations and planning preferences
//	├── httpapi/            # HTTP handlers, middleware, and audit trail
//	├── metrics/            # Prometheus collectors and instrumentation
//	├── services/           # Business logic services
//	│   ├── auth/           # Signed-request verification and replay protection
//	│   ├── autopilot/      # Scheduled unattended proposal runs
//	│   ├── broadcast/      # Transfer sequencing and chain submission
//	│   ├── intent/         # Candidate validation into payable intents
//	│   ├── orders/         # Proposal, execution, and approval flows
//	│   ├── pipeline/       # Delivery tracking
//	│   ├── planning/       # Snapshot assembly and the planner client
//	│   └── restaurants/    # Registration, settings, and catalog management
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces
//	│   ├── memory/         # In-memory stores for tests and development
//	│   └── postgres/       # PostgreSQL stores for production
//	└── system/             # Service lifecycle manager
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services with their stores, chain clients, and logger
//   - Degrading cleanly when optional backends are not configured
//   - Registering services with the lifecycle manager in start order
//   - Exposing configuration and stores to the HTTP layer
//
// # Dependency Direction
//
// The dependency flow is:
//
//	cmd/supplyserver/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/chain/ (ledger clients)
//	      │
//	      ├──► internal/app/storage/ (persistence)
//	      │
//	      └──► internal/config/ (environment loading)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g. "waste"):
//
//  1. Create domain models in internal/app/domain/waste/
//  2. Add a store interface to internal/app/storage/interfaces.go
//  3. Implement it in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/waste/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/handler.go
package app
