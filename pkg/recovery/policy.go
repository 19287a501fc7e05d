package recovery

// MaxRetries bounds how many times a turn is continued after hitting the
// recursion limit.
const MaxRetries = 50

// Action is what the driver does next
type Action string

const (
	// ActionDone returns the operation's output
	ActionDone Action = "done"
	// ActionReject substitutes the reject operation and retries
	ActionReject Action = "reject"
	// ActionConfirmContinue asks the user, then substitutes the continue operation
	ActionConfirmContinue Action = "confirm_continue"
	// ActionRevertModel switches back to the previous model and fails the turn
	ActionRevertModel Action = "revert_model"
	// ActionPromptModel asks for a new model name and fails the turn
	ActionPromptModel Action = "prompt_model"
	// ActionFail fails the turn
	ActionFail Action = "fail"
)

// Input is everything Decide looks at
type Input struct {
	Err           error
	Retries       int
	MaxRetries    int
	HasReject     bool
	HasContinue   bool
	ContinueOK    bool // continuation allowed for this plan
	HasPrevModel  bool
	ModelSwitcher bool // a model switcher is wired
}

// Decision is the next step plus the message to surface, if any
type Decision struct {
	Kind    Kind
	Action  Action
	Message string
}

// Decide maps an operation result to the next action
func Decide(in Input) Decision {
	kind := Classify(in.Err)
	max := in.MaxRetries
	if max <= 0 {
		max = MaxRetries
	}

	switch kind {
	case KindNone:
		return Decision{Kind: kind, Action: ActionDone}

	case KindPermissionDenied:
		if in.HasReject {
			return Decision{Kind: kind, Action: ActionReject}
		}
		return Decision{Kind: kind, Action: ActionFail, Message: "Permission denied"}

	case KindRecursionLimit:
		if in.HasContinue && in.ContinueOK {
			if in.Retries >= max {
				return Decision{Kind: kind, Action: ActionFail,
					Message: "Agent has been running for a while now. Please make the necessary adjustments to your prompt."}
			}
			return Decision{Kind: kind, Action: ActionConfirmContinue,
				Message: "Agent processing took longer than expected (Max recursion limit reached)"}
		}
		return Decision{Kind: kind, Action: ActionFail, Message: "Max recursion limit reached. Operation cannot continue."}

	case KindRateLimit:
		return Decision{Kind: kind, Action: ActionFail, Message: "Rate limit exceeded. Please try again later"}

	case KindModelNotFound:
		msg := "Model not found. Please check the model name and your provider."
		if !in.ModelSwitcher {
			return Decision{Kind: kind, Action: ActionFail, Message: msg}
		}
		if in.HasPrevModel {
			return Decision{Kind: kind, Action: ActionRevertModel, Message: msg}
		}
		return Decision{Kind: kind, Action: ActionPromptModel, Message: msg}

	case KindDataAccess:
		return Decision{Kind: kind, Action: ActionFail, Message: "Database access error occurred."}

	case KindCanceled:
		return Decision{Kind: kind, Action: ActionFail}

	default:
		return Decision{Kind: kind, Action: ActionFail, Message: "An unexpected error occurred"}
	}
}
