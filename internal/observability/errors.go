package observability

import (
	"errors"
	"fmt"
	"strings"
)

// AggregateErrors logs the non-nil members of errs once and wraps them in a
// single error naming operation. It returns nil when every member is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	line := make([]Field, 0, len(fields)+3)
	line = append(line, fields...)
	line = append(line,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(failed)},
		Field{Key: "errors", Value: strings.ReplaceAll(joined.Error(), "\n", "; ")},
	)
	Log().Error(operation+" failed", line...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
