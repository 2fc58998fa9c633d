// Package container runs the agent image and speaks its stdin/stdout
// protocol: one JSON input line in, sentinel-framed JSON frames out.
package container

// Run outcome statuses emitted by the agent.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Stdout frame sentinels. Everything outside a sentinel pair is agent log
// noise and is ignored.
const (
	OutputStartMarker = "---OUTPUT_START---"
	OutputEndMarker   = "---OUTPUT_END---"
)

// Input is the JSON document written to the agent's stdin. Follow-up inputs
// during a live run reuse the same shape with only Prompt set.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// Output is one framed result from the agent. Frames with StatusPartial are
// interim progress; the last frame before exit is the run's outcome.
type Output struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}
