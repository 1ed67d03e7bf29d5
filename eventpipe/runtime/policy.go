package runtime

// PanicPolicy decides what happens after a recovered panic is reported.
type PanicPolicy int

const (
	// KeepRunning swallows the panic once it has been reported.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after reporting.
	CrashProcess
)

func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
