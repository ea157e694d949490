package changes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/buildgraph/internal/history"
)

// MaxReasons is how many out-of-date reasons Summary shows before eliding the rest.
const MaxReasons = 10

// RuleContext is what a rule compares: the stored record of the last successful
// execution and a record describing the unit as it is now.
type RuleContext struct {
	Unit     Unit
	Previous *history.Record
	Current  *history.Record
}

// Rule returns the reasons, if any, that the previous execution is stale.
type Rule func(*RuleContext) []string

// DefaultRules is the standard chain. Every rule runs, so all reasons surface.
func DefaultRules() []Rule {
	return []Rule{
		KindChanged,
		InputPropertiesChanged,
		OutputFilesChanged,
		InputFilesChanged,
	}
}

// KindChanged reports a change of the unit's declared kind.
func KindChanged(rc *RuleContext) []string {
	if rc.Previous.KindFingerprint == rc.Current.KindFingerprint {
		return nil
	}
	return []string{fmt.Sprintf("%s has changed type from %016x to %016x.",
		rc.Unit, rc.Previous.KindFingerprint, rc.Current.KindFingerprint)}
}

// InputPropertiesChanged reports added, removed and modified input properties.
func InputPropertiesChanged(rc *RuleContext) []string {
	if rc.Previous.PropertiesFingerprint == rc.Current.PropertiesFingerprint {
		return nil
	}
	if rc.Previous.Properties == nil {
		return []string{fmt.Sprintf("Input properties have changed for %s.", rc.Unit)}
	}

	names := make(map[string]struct{})
	for name := range rc.Previous.Properties {
		names[name] = struct{}{}
	}
	for name := range rc.Current.Properties {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var reasons []string
	for _, name := range sorted {
		prev, hadPrev := rc.Previous.Properties[name]
		cur, hasCur := rc.Current.Properties[name]
		switch {
		case !hadPrev:
			reasons = append(reasons, fmt.Sprintf("Input property '%s' has been added for %s", name, rc.Unit))
		case !hasCur:
			reasons = append(reasons, fmt.Sprintf("Input property '%s' has been removed for %s", name, rc.Unit))
		case prev != cur:
			reasons = append(reasons, fmt.Sprintf("Value of input property '%s' has changed for %s", name, rc.Unit))
		}
	}
	return reasons
}

// OutputFilesChanged compares the outputs on disk with those the last execution produced.
func OutputFilesChanged(rc *RuleContext) []string {
	return describeChanges("Output", rc.Unit, rc.Current.OutputSnapshot.Diff(rc.Previous.OutputSnapshot))
}

// InputFilesChanged compares the inputs on disk with those the last execution consumed.
func InputFilesChanged(rc *RuleContext) []string {
	return describeChanges("Input", rc.Unit, rc.Current.InputSnapshot.Diff(rc.Previous.InputSnapshot))
}

func describeChanges(title string, unit Unit, changes []history.Change) []string {
	reasons := make([]string, 0, len(changes))
	for _, c := range changes {
		switch c.Kind {
		case history.FileAdded:
			reasons = append(reasons, fmt.Sprintf("%s file %s has been added for %s.", title, c.Path, unit))
		case history.FileRemoved:
			reasons = append(reasons, fmt.Sprintf("%s file %s has been removed for %s.", title, c.Path, unit))
		default:
			reasons = append(reasons, fmt.Sprintf("%s file %s for %s has changed.", title, c.Path, unit))
		}
	}
	return reasons
}

// Verdict is the outcome of an up-to-date check.
type Verdict struct {
	UpToDate bool
	Reasons  []string // Why the unit is out of date, in rule order
}

// Summary renders the reasons for display, eliding all but the first MaxReasons.
func (v Verdict) Summary() string {
	if v.UpToDate {
		return "up-to-date"
	}
	shown := v.Reasons
	if len(shown) > MaxReasons {
		shown = shown[:MaxReasons]
	}
	var b strings.Builder
	for i, r := range shown {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r)
	}
	if more := len(v.Reasons) - len(shown); more > 0 {
		fmt.Fprintf(&b, "\n%d more ...", more)
	}
	return b.String()
}
