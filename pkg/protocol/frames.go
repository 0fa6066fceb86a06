package protocol

// Frame kinds sent from the gateway to the harness.
const (
	FrameUserMessage = "user_message"
	FrameInterrupt   = "interrupt"
	FrameShutdown    = "shutdown"
)

// ClientFrame is a gateway→harness message.
type ClientFrame struct {
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
}

// UserMessage builds a user_message frame.
func UserMessage(content string) ClientFrame {
	return ClientFrame{Kind: FrameUserMessage, Content: content}
}

// Interrupt builds an interrupt frame. Best-effort: the harness may ignore
// it if no turn is in flight.
func Interrupt() ClientFrame {
	return ClientFrame{Kind: FrameInterrupt}
}

// Shutdown builds a shutdown frame sent before container teardown.
func Shutdown() ClientFrame {
	return ClientFrame{Kind: FrameShutdown}
}
