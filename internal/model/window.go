package model

import "fmt"

// Window is the half-open interval [Start, End) in milliseconds
type Window struct {
	Start int64
	End   int64
}

// TimeWindowForSize returns the window of the given size starting at start
func TimeWindowForSize(start, size int64) Window {
	return Window{Start: start, End: start + size}
}

// Contains reports whether the timestamp lies inside the window
func (w Window) Contains(timestamp int64) bool {
	return timestamp >= w.Start && timestamp < w.End
}

// String renders the window for logging
func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start, w.End)
}

// Windowed pairs a record key with the window it was aggregated in
type Windowed[K any] struct {
	Key    K
	Window Window
}

// String renders the windowed key for logging
func (w Windowed[K]) String() string {
	return fmt.Sprintf("%v@%s", w.Key, w.Window)
}
