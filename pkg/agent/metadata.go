package agent

// Details is the call metadata the control plane returns beside the config.
type Details struct {
	OrganizationID string
	CallType       string
	PhoneNumber    string
	Metadata       map[string]any
}

// Metadata identifies the call a provider channel is opened for.
type Metadata struct {
	SessionID      string
	CallSID        string
	OrganizationID string
	AgentID        string
	Voice          string
}
