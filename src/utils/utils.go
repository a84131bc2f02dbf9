package utils

func Abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Clamp limits v to the closed range [lo, hi].
func Clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
