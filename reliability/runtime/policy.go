package runtime

// PanicPolicy determines what happens after a panic has been recovered and recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after recording it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording it.
	CrashProcess
)

// String returns the policy name.
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
