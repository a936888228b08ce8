// Package errors provides structured error types with helpful suggestions.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents the category of error.
type ErrorCode string

const (
	// Pool errors
	ErrConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrPoolClosed       ErrorCode = "POOL_CLOSED"
	ErrAcquireTimeout   ErrorCode = "ACQUIRE_TIMEOUT"
	ErrInvalidConfig    ErrorCode = "INVALID_CONFIG"

	// Transaction errors
	ErrInvalidTransaction ErrorCode = "INVALID_TRANSACTION"
	ErrCommitFailed       ErrorCode = "COMMIT_FAILED"
	ErrRollbackFailed     ErrorCode = "ROLLBACK_FAILED"

	// Statement errors
	ErrStatementFailed   ErrorCode = "STATEMENT_FAILED"
	ErrInvalidIdentifier ErrorCode = "INVALID_IDENTIFIER"
	ErrEmptyData         ErrorCode = "EMPTY_DATA"

	// General errors
	ErrGeneral ErrorCode = "GENERAL_ERROR"
)

// ANSI color codes
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[90m"
	colorBold  = "\033[1m"
)

// DBError is a structured error carrying a code, the failing statement and a suggestion.
type DBError struct {
	Code       ErrorCode
	Message    string
	Statement  string // SQL text, when a statement failed
	Suggestion string
	Err        error
}

// Error implements the error interface.
func (e *DBError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Statement != "" {
		fmt.Fprintf(&sb, " (statement: %s)", e.Statement)
	}
	return sb.String()
}

// Unwrap returns the underlying driver or context error.
func (e *DBError) Unwrap() error {
	return e.Err
}

// Print outputs the error in a user-friendly colored format.
func (e *DBError) Print() string {
	var sb strings.Builder

	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	sb.WriteString(fmt.Sprintf("%s%sError:%s %s\n", colorBold, colorRed, colorReset, msg))

	if e.Statement != "" {
		sb.WriteString(fmt.Sprintf("\n  %s|%s  %s\n", colorGray, colorReset, e.Statement))
	}

	suggestion := e.Suggestion
	if suggestion == "" {
		suggestion = Suggestions[e.Code]
	}
	if suggestion != "" {
		sb.WriteString(fmt.Sprintf("\n%sSuggestion:%s %s\n", colorCyan, colorReset, suggestion))
	}

	return sb.String()
}

// WithSuggestion adds a suggestion to the error.
func (e *DBError) WithSuggestion(suggestion string) *DBError {
	e.Suggestion = suggestion
	return e
}

// New creates an error with the given code.
func New(code ErrorCode, message string) *DBError {
	return &DBError{Code: code, Message: message}
}

// Wrap creates an error with the given code around a cause.
func Wrap(code ErrorCode, message string, err error) *DBError {
	return &DBError{Code: code, Message: message, Err: err}
}

// NewConnectionError reports a failure to create a connection.
func NewConnectionError(err error) *DBError {
	return Wrap(ErrConnectionFailed, "failed to create database connection", err)
}

// NewStatementError reports a failed statement and keeps its text.
func NewStatementError(statement string, err error) *DBError {
	return &DBError{
		Code:      ErrStatementFailed,
		Message:   "statement failed",
		Statement: statement,
		Err:       err,
	}
}

// NewInvalidTransactionError reports an unknown or finished transaction id.
func NewInvalidTransactionError(id string) *DBError {
	return New(ErrInvalidTransaction, fmt.Sprintf("transaction %q is not active", id))
}

// CodeOf returns the code of the first DBError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var dbErr *DBError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a DBError with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var dbErr *DBError
		if !stderrors.As(err, &dbErr) {
			return false
		}
		if dbErr.Code == code {
			return true
		}
		err = dbErr.Err
	}
	return false
}

// Suggestions provides common suggestion messages.
var Suggestions = map[ErrorCode]string{
	ErrPoolClosed:         "Open the database before issuing statements, and do not use it after Close",
	ErrAcquireTimeout:     "Raise max_connections or acquire_timeout, or make sure transactions are committed promptly",
	ErrInvalidTransaction: "Transaction ids are single-use: begin a new transaction after commit or rollback",
	ErrInvalidIdentifier:  "Table and column names may not be empty or contain NUL bytes",
	ErrEmptyData:          "Pass at least one column value",
}

// SuggestSimilar finds similar strings using Levenshtein distance.
func SuggestSimilar(input string, options []string) string {
	input = strings.ToLower(input)
	var best string
	bestDist := len(input) + 1

	for _, opt := range options {
		dist := levenshtein(input, strings.ToLower(opt))
		if dist < bestDist && dist <= 3 { // Only suggest if close enough
			bestDist = dist
			best = opt
		}
	}

	if best != "" {
		return fmt.Sprintf("Did you mean '%s'?", best)
	}
	return ""
}

// levenshtein calculates the edit distance between two strings.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
