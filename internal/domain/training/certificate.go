package training

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// CertificateKind classifies awards.
type CertificateKind string

const (
	CertificateMilestone   CertificateKind = "milestone"
	CertificateStep        CertificateKind = "step"
	CertificateAchievement CertificateKind = "achievement"
)

// Certificate is an award held by a learner. Ids are unique within a state.
// Step certificates carry the checkpoint percentage that earned them in
// Score.
type Certificate struct {
	ID               string          `json:"id"`
	Kind             CertificateKind `json:"kind"`
	Title            string          `json:"title"`
	Step             Step            `json:"step,omitempty"`
	Points           int             `json:"points,omitempty"`
	Score            int             `json:"score,omitempty"`
	AwardedAt        time.Time       `json:"awarded_at"`
	VerificationCode string          `json:"verification_code"`
}

// StepCertificateID returns the certificate id minted when a step is completed.
func StepCertificateID(s Step) string {
	return "step_" + strconv.Itoa(int(s))
}

// NewCertificate mints a certificate bound to a learner and session.
func NewCertificate(id string, kind CertificateKind, title string, step Step, points int,
	learner, session string, at time.Time) Certificate {
	at = at.UTC().Truncate(time.Second)
	return Certificate{
		ID:               id,
		Kind:             kind,
		Title:            title,
		Step:             step,
		Points:           points,
		AwardedAt:        at,
		VerificationCode: verificationCode(id, learner, session, at),
	}
}

// Verify checks the verification code against the holder.
func (c Certificate) Verify(learner, session string) bool {
	return c.VerificationCode == verificationCode(c.ID, learner, session, c.AwardedAt)
}

func verificationCode(id, learner, session string, at time.Time) string {
	sum := blake2b.Sum256([]byte(strings.Join([]string{
		id, learner, session, strconv.FormatInt(at.Unix(), 10),
	}, "|")))
	code := strings.ToUpper(hex.EncodeToString(sum[:8]))
	return code[0:4] + "-" + code[4:8] + "-" + code[8:12] + "-" + code[12:16]
}
