package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrEmptyStatement    = errors.New("empty_statement")
	ErrInvalidEntry      = errors.New("invalid_statement_entry")
	ErrStatementTooLarge = errors.New("statement_too_large")
)

// ExternalEntry is one line of a provider settlement statement.
type ExternalEntry struct {
	ExternalRef string    `json:"external_ref"`
	Amount      int64     `json:"-"`
	Date        time.Time `json:"date"`
}

// ImportResult summarizes one statement run. Unmatched entries are
// returned for manual follow-up, never silently dropped.
type ImportResult struct {
	MatchedCount   int             `json:"matched_count"`
	AlreadyMatched int             `json:"already_matched"`
	Unmatched      []ExternalEntry `json:"unmatched"`
}

// MarkResult reports a manual reconciliation sweep.
type MarkResult struct {
	MarkedCount int            `json:"marked_count"`
	Skipped     []snowflake.ID `json:"skipped"`
}
