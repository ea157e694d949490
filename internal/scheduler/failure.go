package scheduler

// FailureHandler decides whether a failed node aborts the rest of the plan.
// Returning a non-nil error aborts; the returned error is the one recorded.
type FailureHandler interface {
	OnFailure(node *Node) error
}

// FailFast aborts the remaining plan on the first failure.
type FailFast struct{}

func (FailFast) OnFailure(node *Node) error {
	return node.TaskFailure
}

// ContinueOnFailure records failures and lets independent work carry on.
// Dependents of a failed node are still skipped.
type ContinueOnFailure struct{}

func (ContinueOnFailure) OnFailure(*Node) error {
	return nil
}

// PolicyFor returns the failure handler for the continue-on-failure flag.
func PolicyFor(continueOnFailure bool) FailureHandler {
	if continueOnFailure {
		return ContinueOnFailure{}
	}
	return FailFast{}
}
