package craps

import "fmt"

// ValidationError rejects a malformed or ineligible operation. It is a
// local rejection: the operation is never forwarded, the state is untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid operation: " + e.Reason }

// ArithmeticError reports a balance overflow or underflow. Only the
// offending operation is aborted.
type ArithmeticError struct {
	Op string
}

func (e *ArithmeticError) Error() string { return "balance arithmetic: " + e.Op }

// checkedAdd adds under overflow protection.
func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, &ArithmeticError{Op: fmt.Sprintf("%d + %d overflows", a, b)}
	}
	return sum, nil
}

// checkedSub subtracts under underflow protection; balances never go
// negative.
func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, &ArithmeticError{Op: fmt.Sprintf("%d - %d underflows", a, b)}
	}
	return a - b, nil
}

// checkedMul multiplies under overflow protection.
func checkedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/a != b {
		return 0, &ArithmeticError{Op: fmt.Sprintf("%d * %d overflows", a, b)}
	}
	return prod, nil
}
