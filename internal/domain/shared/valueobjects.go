package shared

import (
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// LearnerID identifies a learner. It is opaque to the engine.
type LearnerID string

var learnerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.@-]{0,127}$`)

// IsValid checks if the learner ID is well formed.
func (l LearnerID) IsValid() bool {
	return learnerIDRegex.MatchString(string(l))
}

// String returns the string representation.
func (l LearnerID) String() string {
	return string(l)
}

// NewLearnerID creates a new LearnerID with validation.
func NewLearnerID(id string) (LearnerID, error) {
	l := LearnerID(strings.TrimSpace(id))
	if l == "" {
		return "", NewDomainError("shared", "NewLearnerID", ErrEmptyValue, "learner id is empty")
	}
	if !l.IsValid() {
		return "", NewDomainError("shared", "NewLearnerID", ErrInvalidInput, "learner id is malformed")
	}
	return l, nil
}

// SessionID identifies one training session.
type SessionID string

// String returns the string representation.
func (s SessionID) String() string {
	return string(s)
}

// IsEmpty checks if the session ID is empty.
func (s SessionID) IsEmpty() bool {
	return s == ""
}

// NewSessionID generates a random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID validates an externally supplied session identifier.
func ParseSessionID(id string) (SessionID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewDomainError("shared", "ParseSessionID", ErrEmptyValue, "session id is empty")
	}
	if len(id) > 128 {
		return "", NewDomainError("shared", "ParseSessionID", ErrValueOutOfRange, "session id is too long")
	}
	return SessionID(id), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Percent Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Percent is a whole percentage in [0, 100].
type Percent int

// ClampPercent converts any value to a Percent, rounding half away from zero
// and clamping to [0, 100].
func ClampPercent(v float64) Percent {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return Percent(r)
}

// Int returns the underlying int value.
func (p Percent) Int() int {
	return int(p)
}

// Ratio returns the percentage as a fraction in [0, 1].
func (p Percent) Ratio() float64 {
	return float64(p) / 100
}

// AtLeast reports whether p meets the threshold.
func (p Percent) AtLeast(threshold int) bool {
	return int(p) >= threshold
}

// ═══════════════════════════════════════════════════════════════════════════
// Minutes Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Minutes is a non-negative duration counter in whole minutes.
type Minutes int

// NewMinutes validates a minute delta.
func NewMinutes(v int) (Minutes, error) {
	if v < 0 {
		return 0, NewDomainError("shared", "NewMinutes", ErrNegativeValue, "minutes cannot be negative")
	}
	return Minutes(v), nil
}

// Add returns the sum, ignoring negative deltas.
func (m Minutes) Add(delta Minutes) Minutes {
	if delta < 0 {
		return m
	}
	return m + delta
}

// Int returns the underlying int value.
func (m Minutes) Int() int {
	return int(m)
}
