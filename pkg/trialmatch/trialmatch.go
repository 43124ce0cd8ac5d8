// Package trialmatch provides the public API for embedding the
// trial-matching session service.
// This is the stable API for external consumers.
package trialmatch

import (
	"github.com/tjfontaine/trialmatch/internal/runtime"
)

// Service is the main entry point for running the session service.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// New creates a new Service with the given options.
// Example:
//
//	svc, err := trialmatch.New(
//	    trialmatch.WithLogger(logger),
//	    trialmatch.WithFileConfig("config.yaml"),
//	    trialmatch.WithSQLite("./data/sessions.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite       = runtime.WithSQLite
	WithMemoryStore  = runtime.WithMemoryStore
	WithSessionStore = runtime.WithSessionStore

	// Events
	WithNATSEvents     = runtime.WithNATSEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Matching
	WithBackend   = runtime.WithBackend
	WithExtractor = runtime.WithExtractor

	WithLogger = runtime.WithLogger
)
