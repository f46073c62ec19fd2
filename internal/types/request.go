package types

// Request is the canonical task payload handed to the router by callers.
// Adapters convert it to each provider family's wire format.
type Request struct {
	// Task names the logical workload (e.g. "resume-parsing"); informational.
	Task        string    `json:"task,omitempty"`
	System      string    `json:"system,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	// JSONMode asks the provider for a JSON object response where supported.
	JSONMode bool              `json:"json_mode,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// RequestID is assigned by the router when empty.
	RequestID string `json:"request_id,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation returns the system prompt and the ordered non-system messages,
// folding Prompt in as a trailing user turn.
func (r *Request) Conversation() (string, []Message) {
	system := r.System
	msgs := make([]Message, 0, len(r.Messages)+1)
	for _, m := range r.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	if r.Prompt != "" {
		msgs = append(msgs, Message{Role: "user", Content: r.Prompt})
	}
	return system, msgs
}

// Empty reports whether the request carries no content to send.
func (r *Request) Empty() bool {
	_, msgs := r.Conversation()
	return len(msgs) == 0
}
