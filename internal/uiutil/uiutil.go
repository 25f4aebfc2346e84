package uiutil

const (
	AnsiReset = "\033[0m"
	AnsiDim   = "\033[2m"
)

var keyColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

// ShortHex trims a long hex string for display.
func ShortHex(s string) string {
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}

// PickColor returns a color based on a stable hash of the string, so a
// given target or key always renders the same.
func PickColor(s string) string {
	if s == "" {
		return AnsiReset
	}
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*16777619 ^ uint32(s[i])
	}
	return keyColors[h%uint32(len(keyColors))]
}

// FormatTarget renders a hex target shortened and colored for the console.
func FormatTarget(hexTarget string) string {
	return PickColor(hexTarget) + ShortHex(hexTarget) + AnsiReset
}
