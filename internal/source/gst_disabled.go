//go:build !gst

package source

import "errors"

// ErrGstUnavailable is returned when the binary was built without the gst tag.
var ErrGstUnavailable = errors.New("gst source requires building with -tags gst")

func newGstGenerator(string) (Generator, error) {
	return nil, ErrGstUnavailable
}
