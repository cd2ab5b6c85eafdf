package vector

import "fmt"

// ReprRule selects how a representative vector is derived from a multi-vector.
// The rule is a deployment-time constant: index and query must use the same
// rule, and changing it invalidates every stored index.
type ReprRule string

const (
	// ReprFirstToken uses the first token vector (CLS-equivalent).
	ReprFirstToken ReprRule = "first_token"
	// ReprMaxPool uses the element-wise maximum over all token vectors.
	ReprMaxPool ReprRule = "max_pool"
)

// ParseReprRule validates a rule string from configuration.
func ParseReprRule(s string) (ReprRule, error) {
	switch ReprRule(s) {
	case ReprFirstToken, ReprMaxPool:
		return ReprRule(s), nil
	default:
		return "", fmt.Errorf("unknown repr rule %q (want %q or %q)", s, ReprFirstToken, ReprMaxPool)
	}
}

// Representative derives the single representative vector for ANN retrieval.
// The returned slice is always a fresh copy.
func Representative(mv *MultiVector, rule ReprRule) ([]float32, error) {
	if err := mv.Validate(); err != nil {
		return nil, err
	}

	repr := make([]float32, mv.Dim)
	switch rule {
	case ReprFirstToken:
		copy(repr, mv.Token(0))
	case ReprMaxPool:
		copy(repr, mv.Token(0))
		for i := 1; i < mv.SeqLen; i++ {
			tok := mv.Token(i)
			for j, v := range tok {
				if v > repr[j] {
					repr[j] = v
				}
			}
		}
		// Max-pooled vectors are not unit length even when tokens are.
		normalizeInPlace(repr)
	default:
		return nil, fmt.Errorf("unknown repr rule %q", rule)
	}

	return repr, nil
}
