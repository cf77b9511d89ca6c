package message

// Outcome is the result of a command. A failed authentication is an
// Outcome with Success false, not an error.
type Outcome struct {
	Success  bool              `json:"result"`
	Action   string            `json:"action,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Succeeded returns a successful outcome for action
func Succeeded(action string) Outcome {
	return Outcome{Success: true, Action: action}
}

// Failed returns a failed outcome for action
func Failed(action, reason string) Outcome {
	return Outcome{Action: action, Reason: reason}
}

// With returns a copy of o with a metadata entry added
func (o Outcome) With(key, value string) Outcome {
	md := make(map[string]string, len(o.Metadata)+1)
	for k, v := range o.Metadata {
		md[k] = v
	}
	md[key] = value
	o.Metadata = md
	return o
}
