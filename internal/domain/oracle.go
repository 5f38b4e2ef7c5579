package domain

import "time"

// OracleCommitment binds a question's internally-known outcome to a
// cryptographic commitment fixed on-chain at question-open time. The
// committed outcome and salt are held server-side only; the chain sees the
// commitment hash until reveal. State machine: committed → revealed,
// terminal once revealed.
type OracleCommitment struct {
	SessionID      string
	QuestionID     string
	QuestionNumber int
	Question       string
	Category       string
	CommitmentHash string // 0x-prefixed keccak256 hex
	Outcome        bool
	Salt           string // hex, server-side reveal secret
	Revealed       bool
	CommitTxHash   string
	CommitBlock    uint64
	RevealTxHash   string
	CommittedAt    time.Time
	RevealedAt     *time.Time
}
