package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestScribeErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *ScribeError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &ScribeError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &ScribeError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &ScribeError{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &ScribeError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestScribeErrorJSON(t *testing.T) {
	err := ErrProjectNotFound("p-1").WithCause(errors.New("no rows"))

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeProjectNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeProjectNotFound)
	}
	if result["what"] != "project p-1 not found" {
		t.Errorf("what = %v", result["what"])
	}
	if result["cause"] != "no rows" {
		t.Errorf("cause = %v, want %v", result["cause"], "no rows")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *ScribeError
		want int
	}{
		{ErrCorruptArchive("bad zip"), 400},
		{ErrMissingManifest("manifest.yaml"), 400},
		{ErrUnsupportedFormatVersion(9, 2), 400},
		{ErrArchiveTooLarge("archive", 10), 413},
		{ErrValidationFailed(1), 422},
		{ErrProjectNotFound("x"), 404},
		{ErrImportFailed("boom"), 500},
		{ErrImportTimeout("1s"), 504},
		{Wrap(errors.New("x"), "unknown"), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("decode: %w", ErrCorruptArchive("truncated"))

	if !errors.Is(wrapped, &ScribeError{Code: CodeCorruptArchive}) {
		t.Error("expected errors.Is to match by code")
	}
	if errors.Is(wrapped, &ScribeError{Code: CodeMissingManifest}) {
		t.Error("expected errors.Is not to match a different code")
	}
	if !HasCode(wrapped, CodeCorruptArchive) {
		t.Error("expected HasCode to find wrapped code")
	}
	if AsScribeError(errors.New("plain")) != nil {
		t.Error("expected nil for a plain error")
	}
}

func TestImportFailedMentionsNoPartialProject(t *testing.T) {
	err := ErrImportFailed("storage write failed for file a.wav")
	if err.Why != "storage write failed for file a.wav; no partial project was created" {
		t.Errorf("Why = %q", err.Why)
	}
}
