package autherr

import "errors"

// Result is the structured outcome every public operation returns instead
// of an error crossing its boundary.
type Result struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode Code   `json:"error_code,omitempty"`
}

// OK is a successful Result.
func OK() Result { return Result{Success: true} }

// Fail converts err into a failed Result. Coded errors report their own
// message; uncoded errors report their text under INTERNAL_ERROR.
func Fail(err error) Result {
	if err == nil {
		return OK()
	}
	var e *Error
	if errors.As(err, &e) {
		return Result{Error: e.Message, ErrorCode: e.Code}
	}
	return Result{Error: err.Error(), ErrorCode: CodeOf(err)}
}
