// Package webhook turns verification-provider callbacks into domain events.
// Providers each speak their own event vocabulary; the mapper normalizes it
// to internal verification statuses before anything enters the event log.
package webhook

// Mapper translates a provider's event name into an internal verification
// status. Unknown provider events map to nothing and are dropped upstream.
type Mapper struct {
	rules map[string]map[string]string
}

// NewMapper returns a mapper preloaded with the supported providers.
func NewMapper() *Mapper {
	return &Mapper{
		rules: map[string]map[string]string{
			"persona": {
				"inquiry.approved":          "approved",
				"inquiry.declined":          "declined",
				"inquiry.expired":           "expired",
				"inquiry.marked-for-review": "review",
			},
			"alloy": {
				"evaluation.approved": "approved",
				"evaluation.denied":   "declined",
				"evaluation.manual":   "review",
			},
		},
	}
}

// Register adds or overrides one provider event mapping.
func (m *Mapper) Register(provider, providerEvent, status string) {
	if m.rules[provider] == nil {
		m.rules[provider] = make(map[string]string)
	}
	m.rules[provider][providerEvent] = status
}

// Map resolves a provider event to an internal status. ok is false for
// unknown providers and unknown events alike.
func (m *Mapper) Map(provider, providerEvent string) (string, bool) {
	events, ok := m.rules[provider]
	if !ok {
		return "", false
	}
	status, ok := events[providerEvent]
	return status, ok
}
