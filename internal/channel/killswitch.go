package channel

// ChannelState is the fixed set of risk fields compared between
// reconciliation passes. Keeping the set explicit (rather than a generic
// deep diff) keeps trigger logic auditable.
type ChannelState struct {
	Quality           Quality
	CapabilityBlocked bool
	CapabilityReason  string
	AccountBlocked    bool
	AccountReason     string
}

type FieldTransition struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type KillSwitchDecision struct {
	Triggered   bool
	Reason      string
	Transitions []FieldTransition
}

const (
	KillSwitchReasonQualityRed        = "quality degraded to red"
	KillSwitchReasonCapabilityBlocked = "capability blocked upstream"
	KillSwitchReasonAccountBlocked    = "account blocked upstream"
)

// EvaluateKillSwitch compares before/after channel state and decides
// whether active campaigns must be paused. Triggers: quality dropping to
// the worst tier, a capability block appearing, or an account block
// appearing where none existed. It never considers recoveries; resuming is
// an explicit operation elsewhere.
func EvaluateKillSwitch(before, after ChannelState) KillSwitchDecision {
	decision := KillSwitchDecision{}

	if after.Quality == QualityRed && before.Quality != QualityRed {
		decision.Triggered = true
		decision.Reason = KillSwitchReasonQualityRed
		decision.Transitions = append(decision.Transitions, FieldTransition{
			Field:  "quality",
			Before: string(before.Quality),
			After:  string(after.Quality),
		})
	}
	if after.CapabilityBlocked && !before.CapabilityBlocked {
		if !decision.Triggered {
			decision.Triggered = true
			decision.Reason = KillSwitchReasonCapabilityBlocked
		}
		decision.Transitions = append(decision.Transitions, FieldTransition{
			Field:  "capabilityBlocked",
			Before: "false",
			After:  "true: " + after.CapabilityReason,
		})
	}
	if after.AccountBlocked && !before.AccountBlocked {
		if !decision.Triggered {
			decision.Triggered = true
			decision.Reason = KillSwitchReasonAccountBlocked
		}
		decision.Transitions = append(decision.Transitions, FieldTransition{
			Field:  "accountBlocked",
			Before: "false",
			After:  "true: " + after.AccountReason,
		})
	}
	return decision
}

func channelStateOf(record TenantChannel) ChannelState {
	return ChannelState{
		Quality:           record.Quality,
		CapabilityBlocked: record.CapabilityBlocked,
		CapabilityReason:  record.CapabilityReason,
		AccountBlocked:    record.AccountBlocked,
		AccountReason:     record.AccountReason,
	}
}

// killSwitchCleared reports whether every triggering condition named by
// reason has cleared on the current record. Used by campaign resume.
func killSwitchCleared(record TenantChannel) bool {
	if record.Quality == QualityRed {
		return false
	}
	if record.CapabilityBlocked {
		return false
	}
	if record.AccountBlocked {
		return false
	}
	return true
}
