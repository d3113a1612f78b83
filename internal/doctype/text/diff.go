package text

// Diff returns an op turning s1 into s2. Runs of inserts and deletes are
// merged, and components come in descending position order so none of
// them shifts the ones after it.
func Diff(s1, s2 string) Op {
	a, b := []rune(s1), []rune(s2)

	// only the middle differs
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	a, b = a[pre:len(a)-suf], b[pre:len(b)-suf]

	// dp[i][j] is the edit distance between a[:i] and b[:j]
	dp := make([][]int, len(a)+1)
	dp[0] = make([]int, len(b)+1)
	for j := range dp[0] {
		dp[0][j] = j
	}
	for i := 1; i <= len(a); i++ {
		dp[i] = make([]int, len(b)+1)
		dp[i][0] = i
		for j := 1; j <= len(b); j++ {
			dp[i][j] = min(dp[i][j-1], dp[i-1][j]) + 1
			if a[i-1] == b[j-1] && dp[i-1][j-1] < dp[i][j] {
				dp[i][j] = dp[i-1][j-1]
			}
		}
	}

	// walk back from the end; a[:i] is untouched by everything emitted so far
	var res Op
	i, j := len(a), len(b)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && a[i-1] == b[j-1] && dp[i][j] == dp[i-1][j-1]:
			i--
			j--
		case j > 0 && (i == 0 || dp[i][j] == dp[i][j-1]+1):
			res = pushInsert(res, pre+i, b[j-1])
			j--
		default:
			res = pushDelete(res, pre+i-1)
			i--
		}
	}
	return res
}

func pushInsert(op Op, pos int, r rune) Op {
	if n := len(op); n > 0 {
		if last, ok := op[n-1].(*Insert); ok && last.Pos == pos {
			last.Value = string(r) + last.Value
			return op
		}
	}
	return append(op, &Insert{pos, string(r)})
}

func pushDelete(op Op, pos int) Op {
	if n := len(op); n > 0 {
		if last, ok := op[n-1].(*Delete); ok && last.Pos == pos+1 {
			last.Pos = pos
			last.Len++
			return op
		}
	}
	return append(op, &Delete{pos, 1})
}
