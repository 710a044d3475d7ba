package slip39

// Arithmetic over GF(256) with the AES reduction polynomial
// x^8 + x^4 + x^3 + x + 1. Shares are interpolated pointwise with
// Lagrange interpolation; log/exp tables (generator 3) keep the inner
// loop to table lookups.

var (
	gfExp [510]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfExp[i+255] = byte(x)
		gfLog[x] = i
		x = gfMulSlow(x, 3)
	}
}

func gfMulSlow(a, b int) int {
	p := 0
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		a <<= 1
		if a&0x100 != 0 {
			a ^= 0x11B
		}
		b >>= 1
	}
	return p
}

type point struct {
	x byte
	y []byte
}

// interpolate evaluates the unique polynomial passing through points at x.
// All y vectors must be the same length and all x coordinates distinct.
func interpolate(points []point, x byte) ([]byte, error) {
	if len(points) == 0 {
		return nil, errEmptyShareSet
	}
	n := len(points[0].y)
	seen := make(map[byte]bool, len(points))
	for _, p := range points {
		if len(p.y) != n {
			return nil, newError("mismatched share value lengths")
		}
		if seen[p.x] {
			return nil, newError("duplicate share index")
		}
		seen[p.x] = true
	}
	for _, p := range points {
		if p.x == x {
			out := make([]byte, n)
			copy(out, p.y)
			return out, nil
		}
	}

	// Sum of log(x ^ x_i) over all points; the Lagrange basis polynomial
	// for point i evaluated at x then costs one subtraction per point.
	logProd := 0
	for _, p := range points {
		logProd += gfLog[p.x^x]
	}

	result := make([]byte, n)
	for _, p := range points {
		logBasis := logProd - gfLog[p.x^x]
		for _, q := range points {
			if q.x != p.x {
				logBasis -= gfLog[p.x^q.x]
			}
		}
		logBasis = ((logBasis % 255) + 255) % 255
		for k, yk := range p.y {
			if yk != 0 {
				result[k] ^= gfExp[(gfLog[yk]+logBasis)%255]
			}
		}
	}
	return result, nil
}
