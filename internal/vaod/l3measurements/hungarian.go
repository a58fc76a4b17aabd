package l3measurements

import "math"

// forbidden marks a cost entry the solver must never select.
const forbidden = 1e18

// hungarianAssign solves the rectangular min-cost assignment for an n×m cost
// matrix with the Kuhn-Munkres potential method. It returns rows[i] = the
// column assigned to row i, or -1 when row i stays unassigned or only a
// forbidden column was left for it.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	rows := make([]int, n)
	for i := range rows {
		rows[i] = -1
	}
	if m == 0 {
		return rows
	}

	// Inside the solver a forbidden pair costs more than every allowed pair
	// together, which keeps the potentials at the scale of the real costs.
	// Padding cells are free so surplus rows or columns go unmatched.
	dim := max(n, m)
	maxCost := 0.0
	for _, row := range cost {
		for _, c := range row {
			if c < forbidden && c > maxCost {
				maxCost = c
			}
		}
	}
	penalty := (maxCost + 1) * float64(dim+1)
	at := func(i, j int) float64 {
		if i >= n || j >= m {
			return 0
		}
		if c := cost[i][j]; c < forbidden {
			return c
		}
		return penalty
	}

	const inf = math.MaxFloat64 / 2
	// Arrays are 1-indexed; column 0 is the virtual start of each augmenting
	// path.
	rowPot := make([]float64, dim+1)
	colPot := make([]float64, dim+1)
	owner := make([]int, dim+1) // owner[j] = row matched to column j
	prev := make([]int, dim+1)
	slack := make([]float64, dim+1)
	visited := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		owner[0] = i
		col := 0
		for j := range slack {
			slack[j] = inf
			visited[j] = false
		}
		for {
			visited[col] = true
			row := owner[col]
			delta, next := inf, -1
			for j := 1; j <= dim; j++ {
				if visited[j] {
					continue
				}
				if reduced := at(row-1, j-1) - rowPot[row] - colPot[j]; reduced < slack[j] {
					slack[j] = reduced
					prev[j] = col
				}
				if slack[j] < delta {
					delta, next = slack[j], j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if visited[j] {
					rowPot[owner[j]] += delta
					colPot[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			col = next
			if owner[col] == 0 {
				break
			}
		}
		for col != 0 {
			owner[col] = owner[prev[col]]
			col = prev[col]
		}
	}

	for j := 1; j <= m; j++ {
		i := owner[j] - 1
		if i >= 0 && i < n && cost[i][j-1] < forbidden {
			rows[i] = j - 1
		}
	}
	return rows
}
