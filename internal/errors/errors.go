// Package errors provides structured error types for scribe.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for scribe.
const (
	// Archive structure errors (detected by the codec)
	CodeCorruptArchive           Code = "CORRUPT_ARCHIVE"
	CodeMissingManifest          Code = "MISSING_MANIFEST"
	CodeUnsupportedFormatVersion Code = "UNSUPPORTED_FORMAT_VERSION"
	CodeArchiveTooLarge          Code = "ARCHIVE_TOO_LARGE"

	// Semantic validation errors
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Project errors
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"

	// Import write-time errors
	CodeImportFailed       Code = "IMPORT_FAILED"
	CodeImportTimeout      Code = "IMPORT_TIMEOUT"
	CodeStorageWriteFailed Code = "STORAGE_WRITE_FAILED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryUnprocessable
	CategoryTooLarge
	CategoryInternal
	CategoryTimeout
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeCorruptArchive:           CategoryBadRequest,
	CodeMissingManifest:          CategoryBadRequest,
	CodeUnsupportedFormatVersion: CategoryBadRequest,
	CodeArchiveTooLarge:          CategoryTooLarge,
	CodeValidationFailed:         CategoryUnprocessable,
	CodeProjectNotFound:          CategoryNotFound,
	CodeImportFailed:             CategoryInternal,
	CodeImportTimeout:            CategoryTimeout,
	CodeStorageWriteFailed:       CategoryInternal,
	CodeConfigInvalid:            CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryUnprocessable:
		return 422
	case CategoryTooLarge:
		return 413
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// ScribeError is the structured error type for scribe.
type ScribeError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *ScribeError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ScribeError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *ScribeError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *ScribeError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *ScribeError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *ScribeError) MarshalJSON() ([]byte, error) {
	type alias ScribeError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a ScribeError with the same code.
func (e *ScribeError) Is(target error) bool {
	t, ok := target.(*ScribeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *ScribeError) WithCause(err error) *ScribeError {
	return &ScribeError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrCorruptArchive returns an error for a container that cannot be opened or read.
func ErrCorruptArchive(reason string) *ScribeError {
	return &ScribeError{
		Code: CodeCorruptArchive,
		What: "archive is corrupt",
		Why:  reason,
		Fix:  "Re-export the project and retry with the new archive",
	}
}

// ErrMissingManifest returns an error when the archive has no manifest document.
func ErrMissingManifest(name string) *ScribeError {
	return &ScribeError{
		Code: CodeMissingManifest,
		What: "archive has no manifest",
		Why:  fmt.Sprintf("No %s entry was found in the archive", name),
		Fix:  "Only archives produced by 'scribe export' can be imported",
	}
}

// ErrUnsupportedFormatVersion returns an error for an archive newer than this build understands.
func ErrUnsupportedFormatVersion(got, max int) *ScribeError {
	return &ScribeError{
		Code: CodeUnsupportedFormatVersion,
		What: fmt.Sprintf("unsupported archive format version %d", got),
		Why:  fmt.Sprintf("This build reads format versions 1 through %d", max),
		Fix:  "Upgrade scribe to a release that supports this archive",
	}
}

// ErrArchiveTooLarge returns an error when an archive or entry exceeds a size limit.
func ErrArchiveTooLarge(what string, limit int64) *ScribeError {
	return &ScribeError{
		Code: CodeArchiveTooLarge,
		What: fmt.Sprintf("%s exceeds the size limit", what),
		Why:  fmt.Sprintf("The limit is %d bytes", limit),
		Fix:  "Raise archive.max_size / archive.max_entry_size in config if the archive is trusted",
	}
}

// ErrValidationFailed returns an error when an archive fails semantic validation.
func ErrValidationFailed(fatal int) *ScribeError {
	return &ScribeError{
		Code: CodeValidationFailed,
		What: "archive failed validation",
		Why:  fmt.Sprintf("%d fatal problem(s) found; nothing was written", fatal),
		Fix:  "Run 'scribe validate' on the archive to see each problem",
	}
}

// ErrProjectNotFound returns an error when a project doesn't exist.
func ErrProjectNotFound(id string) *ScribeError {
	return &ScribeError{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", id),
		Why:  "No project with this ID exists in the store",
		Fix:  "Run 'scribe projects' to list available projects",
	}
}

// ErrImportFailed returns an error for an import that was rolled back.
func ErrImportFailed(reason string) *ScribeError {
	return &ScribeError{
		Code: CodeImportFailed,
		What: "import failed",
		Why:  reason + "; no partial project was created",
		Fix:  "Fix the cause and submit the same archive again",
	}
}

// ErrImportTimeout returns an error for an import that exceeded its wall-clock budget.
func ErrImportTimeout(budget string) *ScribeError {
	return &ScribeError{
		Code: CodeImportTimeout,
		What: "import timed out",
		Why:  fmt.Sprintf("Import did not finish within %s; no partial project was created", budget),
		Fix:  "Raise import.timeout_base or import.timeout_per_mb and retry",
	}
}

// ErrStorageWriteFailed returns an error when an audio payload could not be stored.
func ErrStorageWriteFailed(file string) *ScribeError {
	return &ScribeError{
		Code: CodeStorageWriteFailed,
		What: fmt.Sprintf("storage write failed for file %s", file),
		Why:  "The audio payload could not be copied into blob storage",
		Fix:  "Check free space and permissions under storage.root",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *ScribeError {
	return &ScribeError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check scribe.yaml or SCRIBE_* environment variables",
	}
}

// AsScribeError attempts to convert an error to a ScribeError.
// Returns nil if the error is not a ScribeError.
func AsScribeError(err error) *ScribeError {
	var se *ScribeError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err wraps a ScribeError with the given code.
func HasCode(err error, code Code) bool {
	se := AsScribeError(err)
	return se != nil && se.Code == code
}

// Wrap wraps a generic error into a ScribeError with unknown code.
func Wrap(err error, what string) *ScribeError {
	return &ScribeError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
