package resumable

// state is a step of the upload state machine:
//
//	INIT -> SESSION_RESOLVED -> UPLOADING <-> BACKOFF_WAIT
//	                                      \-> TOKEN_REFRESH
//	UPLOADING -> VERIFYING -> DONE
//	UPLOADING/VERIFYING -> FAILED_RESUMABLE (checkpoint kept)
//	UPLOADING/VERIFYING -> FAILED_TERMINAL  (checkpoint discarded)
type state int

const (
	stateInit state = iota
	stateSessionResolved
	stateUploading
	stateBackoffWait
	stateTokenRefresh
	stateVerifying
	stateDone
	stateFailedResumable
	stateFailedTerminal
)

var stateNames = [...]string{
	stateInit:            "INIT",
	stateSessionResolved: "SESSION_RESOLVED",
	stateUploading:       "UPLOADING",
	stateBackoffWait:     "BACKOFF_WAIT",
	stateTokenRefresh:    "TOKEN_REFRESH",
	stateVerifying:       "VERIFYING",
	stateDone:            "DONE",
	stateFailedResumable: "FAILED_RESUMABLE",
	stateFailedTerminal:  "FAILED_TERMINAL",
}

func (s state) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

func (s state) final() bool {
	return s == stateDone || s == stateFailedResumable || s == stateFailedTerminal
}

// chunkOutcome is what a chunk response means for the state machine.
type chunkOutcome int

const (
	outcomeAdvance chunkOutcome = iota
	outcomeComplete
	outcomeBackoff
	outcomeRefresh
	outcomeGone
	outcomeUnexpected
)

func (o chunkOutcome) String() string {
	switch o {
	case outcomeAdvance:
		return "advance"
	case outcomeComplete:
		return "complete"
	case outcomeBackoff:
		return "backoff"
	case outcomeRefresh:
		return "refresh"
	case outcomeGone:
		return "gone"
	default:
		return "unexpected"
	}
}

// classifyChunk maps a chunk response to an outcome. A transport error is
// treated like an overloaded server.
func classifyChunk(status int, err error) chunkOutcome {
	switch {
	case err != nil:
		return outcomeBackoff
	case status == 308:
		return outcomeAdvance
	case status == 200 || status == 201:
		return outcomeComplete
	case status == 401:
		return outcomeRefresh
	case status == 404 || status == 410:
		return outcomeGone
	case status >= 500 && status < 600:
		return outcomeBackoff
	default:
		return outcomeUnexpected
	}
}
