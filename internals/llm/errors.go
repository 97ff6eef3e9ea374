package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	smithy "github.com/aws/smithy-go"
)

// MissingToolResultsError reports that the provider rejected a request
// because tool results for IDs were absent.
type MissingToolResultsError struct {
	IDs []string
	Err error
}

func (e *MissingToolResultsError) Error() string {
	return fmt.Sprintf("provider requires tool results for %s: %v", strings.Join(e.IDs, ", "), e.Err)
}

func (e *MissingToolResultsError) Unwrap() error { return e.Err }

const idList = `([A-Za-z0-9_\-]+(?:\s*,\s*[A-Za-z0-9_\-]+)*)`

var missingPatterns = []*regexp.Regexp{
	// Bedrock Converse / litellm.
	regexp.MustCompile(`(?i)expected toolResult blocks at messages\.\d+\.content for the following Ids?:\s*` + idList),
	// Anthropic Messages.
	regexp.MustCompile("(?i)`?tool_use`? ids were found without `?tool_result`? blocks immediately after:\\s*" + idList),
}

// ParseMissingIDs extracts the tool-use IDs named in a provider's
// "missing tool result" rejection. It returns nil when msg is some other
// error.
func ParseMissingIDs(msg string) []string {
	for _, re := range missingPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		var ids []string
		for _, part := range strings.Split(m[1], ",") {
			if id := strings.TrimSpace(part); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}

// classify wraps err in a MissingToolResultsError when the provider message
// names missing tool results, and returns it unchanged otherwise.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorMessage()
	}
	if ids := ParseMissingIDs(msg); len(ids) > 0 {
		return &MissingToolResultsError{IDs: ids, Err: err}
	}
	return err
}
