package cli

import (
	"fmt"
	"io"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

// PrintError prints an error to w with appropriate formatting.
// If the error is a ScribeError, it uses the user-friendly format.
// Otherwise, it prints a simple error message.
func PrintError(w io.Writer, err error) {
	if se := scribeerrors.AsScribeError(err); se != nil {
		_, _ = fmt.Fprintln(w, se.UserMessage())
		if verbose {
			_, _ = fmt.Fprintf(w, "\nCode: %s\n", se.Code)
			if se.Cause != nil {
				_, _ = fmt.Fprintf(w, "Cause: %v\n", se.Cause)
			}
		}
		return
	}
	_, _ = fmt.Fprintf(w, "Error: %v\n", err)
}
