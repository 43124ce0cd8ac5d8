// Package codec normalizes backend stream frames into canonical
// domain.StreamEvent values.
//
// Each backend vocabulary is a table from raw frame type to Handler,
// registered under a vocabulary name. Everything downstream of the
// Normalizer sees only canonical events.
//
// # Adding a New Vocabulary
//
// Implement one Handler per raw frame type and expose an explicit
// registration function that calls RegisterVocabulary. Wire that function
// from the runtime (or tests) so registration is explicit instead of
// relying on init() side effects.
//
//	func Register() {
//	    if codec.IsRegistered(Vocabulary) {
//	        return
//	    }
//	    codec.RegisterVocabulary(Vocabulary, map[string]codec.Handler{
//	        "job_started": jobStarted,
//	        "job_done":    jobDone,
//	    })
//	}
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// Handler converts one frame payload into canonical events. It may return
// no events (the frame carries nothing for the client) or several (the
// vocabulary skipped stages that must be synthesized). A returned error
// drops the frame as malformed.
type Handler func(st *State, payload json.RawMessage) ([]domain.StreamEvent, error)

// Vocabulary registry: (vocabulary, raw type) -> handler
var (
	registryMu sync.RWMutex
	registry   = make(map[string]map[string]Handler)
)

// RegisterVocabulary registers the handler table of a vocabulary.
// Panics if the vocabulary is already registered or the table is empty.
func RegisterVocabulary(name string, handlers map[string]Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if name == "" {
		panic("codec vocabulary name cannot be empty")
	}
	if len(handlers) == 0 {
		panic(fmt.Sprintf("codec vocabulary %q has no handlers", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("codec vocabulary %q already registered", name))
	}

	table := make(map[string]Handler, len(handlers))
	for rawType, h := range handlers {
		if h == nil {
			panic(fmt.Sprintf("codec vocabulary %q: nil handler for %q", name, rawType))
		}
		table[rawType] = h
	}
	registry[name] = table
}

// IsRegistered reports whether a vocabulary has been registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Lookup returns the handler for a raw frame type in a vocabulary.
func Lookup(vocabulary, rawType string) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[vocabulary][rawType]
	return h, ok
}

// Vocabularies returns the registered vocabulary names, sorted.
func Vocabularies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Types returns the raw frame types a vocabulary understands, sorted.
func Types(vocabulary string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry[vocabulary]))
	for t := range registry[vocabulary] {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decode unmarshals a frame payload into T. Handlers use it for their
// per-type payload structs.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
