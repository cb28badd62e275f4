package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericOf converts a decimal into a pgtype.Numeric value.
func numericOf(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// optionalNumeric maps zero to SQL NULL.
func optionalNumeric(value decimal.Decimal) (pgtype.Numeric, error) {
	if value.IsZero() {
		return pgtype.Numeric{}, nil
	}
	return numericOf(value)
}

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}
