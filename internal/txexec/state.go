package txexec

// State is the lifecycle of one transactional boundary:
//
//	Requested -> ContextAcquired -> TransactionOpen -> {Committed | RolledBack} -> Released
type State uint8

const (
	StateRequested State = iota
	StateContextAcquired
	StateTransactionOpen
	StateCommitted
	StateRolledBack
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateContextAcquired:
		return "context_acquired"
	case StateTransactionOpen:
		return "transaction_open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an outcome (Committed or RolledBack).
func (s State) Terminal() bool { return s == StateCommitted || s == StateRolledBack }
