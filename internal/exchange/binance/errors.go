package binance

import (
	"errors"
	"fmt"
	"strings"

	"martingale-grid/internal/core"
)

// APIError preserves the exchange error code alongside whatever core sentinel
// the code maps to, so callers can branch on either.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Msg)
}

const (
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeOrderNotFound    = -2013
	codeFilterFailure    = -1013
)

// wrapAPIError joins the raw APIError with the matching core sentinel. The
// -2010 family needs the message to disambiguate: insufficient balance,
// duplicate client id and filter rejections all share the code.
func wrapAPIError(code int, msg string) error {
	apiErr := &APIError{Code: code, Msg: msg}
	if sentinel := classify(code, msg); sentinel != nil {
		return errors.Join(sentinel, apiErr)
	}
	return apiErr
}

func classify(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch code {
	case codeNewOrderRejected:
		switch {
		case strings.Contains(lower, "insufficient balance"):
			return core.ErrInsufficientBalance
		case strings.Contains(lower, "duplicate order sent"):
			return core.ErrDuplicateOrder
		case strings.Contains(lower, "filter failure"):
			return core.ErrFilterViolation
		default:
			return core.ErrOrderRejected
		}
	case codeCancelRejected, codeOrderNotFound:
		return core.ErrOrderNotFound
	case codeFilterFailure:
		return core.ErrFilterViolation
	}
	return nil
}

// AsAPIError unwraps any APIError in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsAPIErrorCode(err error, code int) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}
