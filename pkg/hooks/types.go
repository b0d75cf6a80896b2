package hooks

// HookConfig describes how to call an external hook endpoint.
type HookConfig struct {
	URL        string            `yaml:"url"         json:"url"`
	AuthType   string            `yaml:"auth_type"   json:"auth_type"`   // "bearer", "hmac", "none"
	AuthSecret string            `yaml:"auth_secret" json:"auth_secret"` // token or HMAC key
	TimeoutSec int               `yaml:"timeout_sec" json:"timeout_sec"`
	Headers    map[string]string `yaml:"headers"     json:"headers,omitempty"`
}

// HookRequest is the payload sent to a hook endpoint when a dialog node
// bound to the hook is activated.
type HookRequest struct {
	SessionID  string            `json:"session_id"`
	Dialog     string            `json:"dialog,omitempty"`
	NodeKey    string            `json:"node_key"`
	Speaker    string            `json:"speaker"`
	State      string            `json:"state"`
	Payload    map[string]string `json:"payload,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
}

// HookResponse is the expected response from a hook endpoint.
type HookResponse struct {
	Actions []HookAction   `json:"actions,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// HookAction is a directive returned by a hook.
type HookAction struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Action types understood by the webhook handler.
const (
	ActionSay      = "say"      // params: text, priority, force
	ActionActivate = "activate" // params: key
	ActionSet      = "set"      // params: key, value (JSON literal or string)
	ActionState    = "state"    // params: state
)
