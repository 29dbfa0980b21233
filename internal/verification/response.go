package verification

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SuccessSentinel is the only response body that counts as verified.
const SuccessSentinel = `[["Return Code","Message"],["1","Success"]]`

var returnCodeHeader = []string{"Return Code", "Message"}

// evaluate classifies a lookup response body. It returns nil only for the
// exact success sentinel (surrounding whitespace ignored).
func evaluate(body string) *Error {
	trimmed := strings.TrimSpace(body)
	if trimmed == SuccessSentinel {
		return nil
	}

	var table [][]any
	if err := json.Unmarshal([]byte(trimmed), &table); err != nil {
		return &Error{
			Category:   CategoryBadResponse,
			Message:    "unparseable response",
			Underlying: err,
			RawPayload: trimmed,
		}
	}

	if len(table) >= 2 && rowEquals(table[0], returnCodeHeader) && len(table[1]) >= 1 {
		code := cell(table[1], 0)
		if code != "1" {
			return &Error{
				Category:   CategoryRejected,
				Message:    fmt.Sprintf("return code %s: %s", code, cell(table[1], 1)),
				RawPayload: trimmed,
			}
		}
	}

	return &Error{
		Category:   CategoryAmbiguous,
		Message:    "response is neither success nor rejection",
		RawPayload: trimmed,
	}
}

func rowEquals(row []any, want []string) bool {
	if len(row) != len(want) {
		return false
	}
	for i := range want {
		if cell(row, i) != want[i] {
			return false
		}
	}
	return true
}

func cell(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}
