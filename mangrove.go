// Package mangrove turns document store collections into REST
// resources.
//
// Mangrove builds on gimlet and gorilla/mux for routing and response
// handling, and exposes each collection through the conventional verb
// set (index, get, post, put, patch, delete) plus read-only virtual
// sub-resources. Every verb runs a fixed pipeline of stages: request
// parsing, configured before hooks, the data operation against the
// store, after hooks, and finally response normalization. Hooks can
// reshape queries and payloads, short-circuit the pipeline, or take
// over the response entirely; the pipeline only writes what a hook
// has not already written.
//
// The package does not talk to a particular database. Stores plug in
// through the Collection and Query interfaces; the memdb and mdb
// subpackages provide an in-memory implementation and a MongoDB
// driver adapter.
package mangrove

import "context"

// Method identifies one of the resource verbs a pipeline can run.
type Method int

const (
	MethodIndex Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
	MethodVirtual
)

// allMethods is the registration order used when a resource enables
// its full verb set.
var allMethods = []Method{MethodIndex, MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete}

func (m Method) String() string {
	switch m {
	case MethodIndex:
		return "index"
	case MethodGet:
		return "get"
	case MethodPost:
		return "post"
	case MethodPut:
		return "put"
	case MethodPatch:
		return "patch"
	case MethodDelete:
		return "delete"
	case MethodVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// httpMethod maps a verb to the HTTP method its route registers.
func (m Method) httpMethod() string {
	switch m {
	case MethodIndex, MethodGet, MethodVirtual:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodPatch:
		return "PATCH"
	case MethodDelete:
		return "DELETE"
	default:
		return "GET"
	}
}

// MethodFromString resolves a verb name as used in resource
// configuration. It returns false for names that do not identify a
// verb.
func MethodFromString(name string) (Method, bool) {
	switch name {
	case "index":
		return MethodIndex, true
	case "get":
		return MethodGet, true
	case "post":
		return MethodPost, true
	case "put":
		return MethodPut, true
	case "patch":
		return MethodPatch, true
	case "delete":
		return MethodDelete, true
	case "virtual":
		return MethodVirtual, true
	default:
		return 0, false
	}
}

// Signal is the flow-control result of a pipeline stage.
type Signal int

const (
	// Continue advances the pipeline to the next stage.
	Continue Signal = iota
	// Halt stops the pipeline after the current stage. The response
	// normalizer still runs against whatever outcome is set, unless
	// the halting hook already wrote the response itself.
	Halt
)

// Hook is a single pipeline stage. Hooks observe and mutate the
// request state, and either continue the pipeline, halt it, or fail
// it by returning an error. A returned error becomes the method's
// outcome; it never propagates to the HTTP server.
type Hook func(ctx context.Context, s *RequestState) (Signal, error)
