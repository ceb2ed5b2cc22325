package media

import (
	"path/filepath"
	"regexp"
	"strconv"
)

// FilenameTolerance is the drift allowed between a "-WxH" filename suffix
// and the decoded size.
const FilenameTolerance = 5

var sizeSuffix = regexp.MustCompile(`-(\d+)x(\d+)$`)

// FilenameDimensions extracts the "-WxH" suffix of a thumbnail name such as
// hero-300x169.jpg.
func FilenameDimensions(name string) (Dimensions, bool) {
	base := filepath.Base(name)
	base = base[:len(base)-len(filepath.Ext(base))]
	m := sizeSuffix.FindStringSubmatch(base)
	if m == nil {
		return Dimensions{}, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || w == 0 || h == 0 {
		return Dimensions{}, false
	}
	return Dimensions{Width: w, Height: h}, true
}

// DimensionsConsistent reports whether actual is within FilenameTolerance
// of the size encoded in name. Names without a suffix are consistent.
func DimensionsConsistent(name string, actual Dimensions) (Dimensions, bool) {
	want, ok := FilenameDimensions(name)
	if !ok {
		return Dimensions{}, true
	}
	return want, abs(want.Width-actual.Width) <= FilenameTolerance &&
		abs(want.Height-actual.Height) <= FilenameTolerance
}
