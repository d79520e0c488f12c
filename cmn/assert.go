package cmn

import "fmt"

// Assert panics if cond is false. Reserved for internal invariant
// violations only — never for externally-triggered conditions such as a
// backend error or a malformed document, which must be handled as regular
// errors instead.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

// AssertMsg is Assert with a custom message.
func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// AssertNoErr panics if err is non-nil. Used where an error can only come
// from a bug in this process (e.g. marshaling a value this process built).
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %v", err))
	}
}
