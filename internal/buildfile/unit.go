package buildfile

import (
	"maps"

	"github.com/aristath/buildgraph/internal/scheduler"
)

const (
	kindExec      = "exec"
	kindLifecycle = "lifecycle"
)

// Unit is a declared unit. It satisfies scheduler.WorkUnit, changes.Unit and
// action.Commander.
type Unit struct {
	spec UnitSpec
	deps []scheduler.WorkUnit
}

func (u *Unit) ID() string     { return u.spec.Name }
func (u *Unit) String() string { return "unit '" + u.spec.Name + "'" }

func (u *Unit) Dependencies() []scheduler.WorkUnit { return u.deps }

// Kind defaults to "exec" for units with a command and "lifecycle" otherwise.
func (u *Unit) Kind() string {
	switch {
	case u.spec.Kind != "":
		return u.spec.Kind
	case u.spec.Command != "":
		return kindExec
	default:
		return kindLifecycle
	}
}

// InputProperties are the declared properties plus the command and directory,
// so editing either invalidates history.
func (u *Unit) InputProperties() map[string]any {
	props := make(map[string]any, len(u.spec.Properties)+2)
	maps.Copy(props, u.spec.Properties)
	props["command"] = u.spec.Command
	props["dir"] = u.spec.Dir
	return props
}

func (u *Unit) InputFiles() []string  { return u.spec.Inputs }
func (u *Unit) OutputFiles() []string { return u.spec.Outputs }
func (u *Unit) Command() string       { return u.spec.Command }
func (u *Unit) Dir() string           { return u.spec.Dir }
func (u *Unit) Group() string         { return u.spec.Group }

// Spec returns the declaration the unit was built from.
func (u *Unit) Spec() UnitSpec { return u.spec }
