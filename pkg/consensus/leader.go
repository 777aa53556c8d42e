package consensus

type LeaderElector interface{ LeaderOf(r Round) Author }

// RoundRobinElector rotates leadership over Authors, starting with the first
// one at round 1.
type RoundRobinElector struct{ Authors []Author }

func (e RoundRobinElector) LeaderOf(r Round) Author {
	if len(e.Authors) == 0 {
		return Author{}
	}
	idx := int(r)
	if idx <= 0 {
		idx = 1
	}
	return e.Authors[(idx-1)%len(e.Authors)]
}
