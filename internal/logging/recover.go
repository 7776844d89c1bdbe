package logging

import (
	"fmt"
	"runtime/debug"
)

// Recover logs a panic raised in fn's goroutine and returns it as an error
// through errp, if non-nil. Use as: defer logging.Recover(log, "where", &err).
func Recover(l *Logger, where string, errp *error) {
	v := recover()
	if v == nil {
		return
	}
	if l != nil {
		l.Error("panic recovered", "where", where, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
	}
	if errp != nil {
		*errp = fmt.Errorf("%s: panic: %v", where, v)
	}
}
