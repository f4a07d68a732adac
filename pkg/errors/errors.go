// Package errors defines the error taxonomy of the retrieval core. Every
// degradation in the pipeline maps to one of these types so callers can tell
// a skippable per-item failure from one that must abort an index build.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes retrieval errors.
type ErrorType string

const (
	// TypeSchemaValidation marks a bad source record. Per-record skip + warn.
	TypeSchemaValidation ErrorType = "schema_validation"

	// TypeEmbedding marks an embedding provider failure. Per-item failures
	// skip that item; systemic failures abort ingest without swapping the
	// serving index.
	TypeEmbedding ErrorType = "embedding"

	// TypeIndexBuild marks an index rebuild failure. The old index keeps
	// serving; this is the only type a caller sees as fatal.
	TypeIndexBuild ErrorType = "index_build"

	// TypeSearchMethod marks a dense or lexical search failure for one
	// variant. The query continues with the other method's results.
	TypeSearchMethod ErrorType = "search_method"

	// TypeRerank marks a reranking failure; ordering falls back to fusion
	// score.
	TypeRerank ErrorType = "rerank"

	// TypeConsistencyRepair marks a failed language-consistency repair. The
	// original ordering is kept; never fatal.
	TypeConsistencyRepair ErrorType = "consistency_repair"

	// TypeConfigurationBounds marks an out-of-bounds parameter value. The
	// value is clamped and the query continues.
	TypeConfigurationBounds ErrorType = "configuration_bounds"
)

// RetrievalError is the standard error value of the retrieval core. Stage
// and Query give enough context to diagnose relevance regressions from logs.
type RetrievalError struct {
	Type      ErrorType              `json:"type"`
	Stage     string                 `json:"stage"`
	Message   string                 `json:"message"`
	Query     string                 `json:"query,omitempty"`
	ItemID    string                 `json:"item_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Stage, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *RetrievalError) Unwrap() error { return e.Cause }

// Is matches on error type so callers can branch on taxonomy, not message.
func (e *RetrievalError) Is(target error) bool {
	if re, ok := target.(*RetrievalError); ok {
		return e.Type == re.Type
	}
	return errors.Is(e.Cause, target)
}

// New creates a RetrievalError.
func New(errType ErrorType, stage, message string) *RetrievalError {
	return &RetrievalError{
		Type:      errType,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap creates a RetrievalError around a cause.
func Wrap(errType ErrorType, stage, message string, cause error) *RetrievalError {
	e := New(errType, stage, message)
	e.Cause = cause
	e.Retryable = errType == TypeSearchMethod || errType == TypeEmbedding
	return e
}

// WithQuery attaches the query text for log context.
func (e *RetrievalError) WithQuery(query string) *RetrievalError {
	e.Query = query
	return e
}

// WithItem attaches the offending record or chunk id.
func (e *RetrievalError) WithItem(id string) *RetrievalError {
	e.ItemID = id
	return e
}

// WithMetadata attaches one diagnostic key/value.
func (e *RetrievalError) WithMetadata(key string, value interface{}) *RetrievalError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// SchemaValidation reports a record that failed ingest validation.
func SchemaValidation(recordID, message string) *RetrievalError {
	return New(TypeSchemaValidation, "ingest", message).WithItem(recordID)
}

// EmbeddingFailure reports an embedding provider error for one item.
func EmbeddingFailure(itemID string, cause error) *RetrievalError {
	return Wrap(TypeEmbedding, "embedding", "embedding provider failed", cause).WithItem(itemID)
}

// IndexBuild reports a failed rebuild. The serving snapshot is untouched.
func IndexBuild(message string, cause error) *RetrievalError {
	return Wrap(TypeIndexBuild, "index_build", message, cause)
}

// SearchMethod reports a dense or lexical search failure for one variant.
func SearchMethod(method, query string, cause error) *RetrievalError {
	return Wrap(TypeSearchMethod, method, "search method failed", cause).WithQuery(query)
}

// Rerank reports a reranking failure.
func Rerank(query string, cause error) *RetrievalError {
	return Wrap(TypeRerank, "rerank", "reranking failed", cause).WithQuery(query)
}

// ConsistencyRepair reports that self-repair could not improve the ordering.
func ConsistencyRepair(query, message string) *RetrievalError {
	return New(TypeConsistencyRepair, "language_consistency", message).WithQuery(query)
}

// ConfigurationBounds reports a clamped parameter.
func ConfigurationBounds(param string, value, clamped interface{}) *RetrievalError {
	return New(TypeConfigurationBounds, "parameters",
		fmt.Sprintf("value for %q out of bounds", param)).
		WithMetadata("value", value).
		WithMetadata("clamped", clamped)
}

// IsType reports whether err (or anything it wraps) is a RetrievalError of
// the given type.
func IsType(err error, t ErrorType) bool {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re.Type == t
	}
	return false
}
