package ledger

// transitions encodes the forward-only intent lifecycle. Anything not listed
// here is a conflict: late or replayed webhook deliveries that would move an
// intent backwards are rejected by the processor instead of applied.
var transitions = map[IntentStatus][]IntentStatus{
	StatusPending:           {StatusRequiresAction, StatusProcessing, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRequiresAction:    {StatusProcessing, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusProcessing:        {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded:         {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
}

// CanTransition reports whether an intent may move from one status to another.
func CanTransition(from, to IntentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TerminalForCapture reports whether the status ends the capture lifecycle.
// Refund sub-states can still advance succeeded intents.
func TerminalForCapture(status IntentStatus) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Cancelable reports whether a client-initiated cancellation is still allowed.
// Once the provider may hold captured funds the intent cannot be canceled.
func Cancelable(status IntentStatus) bool {
	return status == StatusPending || status == StatusRequiresAction
}
