package httputils

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/saa-hil/image-resizer/errdefs"
)

// BoolValueStrict parses a form value that must be exactly "true" or
// "false" when present. An absent or empty value counts as false; any
// other spelling ("1", "True", "yes") is an invalid parameter.
func BoolValueStrict(r *http.Request, k string) (bool, error) {
	switch v := r.Form.Get(k); v {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errdefs.InvalidParameter(errors.Errorf("invalid value for %s: %q (must be \"true\" or \"false\")", k, v))
	}
}

// IntValueOrZero parses a form value into an int. An absent or empty
// value yields 0; a value that is present but not a base 10 integer is
// an invalid parameter.
func IntValueOrZero(r *http.Request, k string) (int, error) {
	v := r.Form.Get(k)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errdefs.InvalidParameter(errors.Errorf("invalid value for %s: %q (must be an integer)", k, v))
	}
	return n, nil
}
