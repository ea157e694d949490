// Package changes decides whether a unit's previous execution is still valid,
// and records a new execution once the unit has run.
package changes

import "github.com/aristath/buildgraph/internal/scheduler"

// Unit is a WorkUnit with the declarations change detection needs.
type Unit interface {
	scheduler.WorkUnit

	// Kind names the unit's type. A change of kind invalidates history.
	Kind() string
	// InputProperties are declarative scalar inputs, compared by fingerprint.
	InputProperties() map[string]any
	// InputFiles and OutputFiles are files or directories, relative to the snapshot root.
	InputFiles() []string
	OutputFiles() []string
}
