package commsutil

// Default NATS subjects.
const (
	// SubjectMCP carries JSON-RPC requests for the protocol server.
	SubjectMCP = "appcore.mcp.v1"

	// eventsSuffix distinguishes the broadcast side channel from the
	// request subject.
	eventsSuffix = ".events"
)

// BuildEventsSubject derives the subject server-initiated notifications
// are published to for a given request subject.
func BuildEventsSubject(subject string) string {
	return subject + eventsSuffix
}
