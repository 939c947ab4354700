package recommend

// Provider produces advisory review recommendations for new items. They
// carry no authority: final status depends only on recorded human decisions.
type Provider interface {
	Recommend(kind, payloadJSON string) (recommendation string, confidence float64, ok bool)
}

// None produces no recommendations.
type None struct{}

func (None) Recommend(string, string) (string, float64, bool) { return "", 0, false }

// Static recommends the same decision for every item of the kinds it is
// configured for. Useful for demos and tests.
type Static struct {
	Kinds          map[string]bool
	Recommendation string
	Confidence     float64
}

func (s Static) Recommend(kind, _ string) (string, float64, bool) {
	if len(s.Kinds) > 0 && !s.Kinds[kind] {
		return "", 0, false
	}
	return s.Recommendation, s.Confidence, true
}
