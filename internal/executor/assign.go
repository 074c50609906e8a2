package executor

// Assign returns the owner of unit i when units are dealt round-robin over
// n owners (ranks, or sub-pools when the pool is split).
func Assign(i, n int) int {
	if n <= 1 {
		return 0
	}
	return i % n
}

// Owned lists the unit indices owner gets out of m units dealt over n
// owners: owner, owner+n, owner+2n, ...
func Owned(owner, n, m int) []int {
	if n < 1 {
		n = 1
	}
	if owner < 0 || owner >= n {
		return nil
	}
	var out []int
	for i := owner; i < m; i += n {
		out = append(out, i)
	}
	return out
}
