package plugin

// Status is a plugin's position in the load lifecycle. Transitions run
// Unloaded -> Loading -> Validating -> Sandboxing -> Active, with Error as
// the terminal state of any failed load and Unloading on the way back out.
type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusValidating
	StatusSandboxing
	StatusActive
	StatusUnloading
	StatusError
)

var statusNames = map[Status]string{
	StatusUnloaded:   "unloaded",
	StatusLoading:    "loading",
	StatusValidating: "validating",
	StatusSandboxing: "sandboxing",
	StatusActive:     "active",
	StatusUnloading:  "unloading",
	StatusError:      "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}
