package health

// Status is a component health level. Composite status is the worst
// individual status across components.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarn     Status = "WARN"
	StatusCritical Status = "CRITICAL"
	StatusUnknown  Status = "UNKNOWN"
)

var severity = map[Status]int{
	StatusOK:       0,
	StatusUnknown:  1,
	StatusWarn:     2,
	StatusCritical: 3,
}

// Severity ranks a status for comparison and gauge export.
func (s Status) Severity() int {
	return severity[s]
}

// Worse returns the more severe of a and b.
func Worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
