package domain

// Clock supplies the current tick. Ticks are monotonically non-decreasing;
// auction deadlines are absolute ticks.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now calls f.
func (f ClockFunc) Now() int64 { return f() }
