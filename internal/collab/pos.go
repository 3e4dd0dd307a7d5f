package collab

// Fractional positions order siblings without coordination: any two replicas
// inserting between the same neighbors produce positions that still sort
// deterministically (ties broken by node id).

const (
	posMin   = byte('0')
	posMax   = byte('z')
	posStart = "U"
)

// PosBetween returns a position string strictly between left and right in
// lexicographic order. Empty left means "before everything", empty right
// means "after everything".
func PosBetween(left, right string) string {
	out := make([]byte, 0, len(left)+1)
	for i := 0; ; i++ {
		lo := posMin
		if i < len(left) {
			lo = left[i]
		}
		hi := posMax + 1
		if right != "" && i < len(right) {
			hi = right[i]
		}
		if hi-lo > 1 {
			out = append(out, lo+(hi-lo)/2)
			return string(out)
		}
		out = append(out, lo)
		if right != "" && i >= len(right) {
			// left is a prefix-neighbor of right; keep extending from left.
			right = ""
		}
	}
}
