package types

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return NewError(KindValidation, "message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return NewError(KindValidation, fmt.Sprintf("message content exceeds %d characters", MaxMessageLength))
	}
	return nil
}

func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return NewError(KindValidation, "username cannot be empty")
	}
	return nil
}

// PageLimit applies the default page size and rejects limits outside 1..MaxPageSize.
func PageLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultPageSize, nil
	}
	if limit < 1 || limit > MaxPageSize {
		return 0, NewError(KindValidation, fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
	}
	return limit, nil
}
