package acflow

import "math/cmplx"

// branch is the two-port admittance of a line or transformer:
//
//	[Iff]   [yff yft] [Vf]
//	[Itt] = [ytf ytt] [Vt]
type branch struct {
	from, to           int
	yff, yft, ytf, ytt complex128
}

func (s *Session) branches() []branch {
	out := make([]branch, 0, len(s.lines)+len(s.trafos))
	for i, l := range s.lines {
		b := s.lineBus[i]
		kv := s.buses[b[0]].baseKV
		zbase := kv * kv / baseMVA
		y := 1 / complex(l.ROhm/zbase, l.XOhm/zbase)
		half := complex(0, l.BMicroS*1e-6*zbase/2)
		out = append(out, branch{
			from: b[0], to: b[1],
			yff: y + half, yft: -y,
			ytf: -y, ytt: y + half,
		})
	}
	for i, t := range s.trafos {
		b := s.trafoBus[i]
		scale := baseKVA / t.KVA
		y := 1 / complex(t.RPercent/100*scale, t.XPercent/100*scale)
		tap := t.Tap
		if tap <= 0 {
			tap = 1
		}
		if t.KV1 > 0 && t.KV2 > 0 {
			kv1, kv2 := s.buses[b[0]].baseKV, s.buses[b[1]].baseKV
			tap *= (t.KV1 / kv1) / (t.KV2 / kv2)
		}
		a := complex(tap, 0)
		out = append(out, branch{
			from: b[0], to: b[1],
			yff: y / (a * a), yft: -y / a,
			ytf: -y / a, ytt: y,
		})
	}
	return out
}

// energize marks every bus reachable from the source through branches.
func (s *Session) energize(brs []branch) {
	adj := make([][]int, len(s.buses))
	for _, br := range brs {
		adj[br.from] = append(adj[br.from], br.to)
		adj[br.to] = append(adj[br.to], br.from)
	}
	for i := range s.energized {
		s.energized[i] = false
	}
	queue := []int{s.source}
	s.energized[s.source] = true
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, n := range adj[b] {
			if !s.energized[n] {
				s.energized[n] = true
				queue = append(queue, n)
			}
		}
	}
}

// ybus builds the dense bus admittance matrix including shunts.
func (s *Session) ybus(brs []branch) [][]complex128 {
	n := len(s.buses)
	y := make([][]complex128, n)
	for i := range y {
		y[i] = make([]complex128, n)
	}
	for _, br := range brs {
		y[br.from][br.from] += br.yff
		y[br.from][br.to] += br.yft
		y[br.to][br.from] += br.ytf
		y[br.to][br.to] += br.ytt
	}
	for i, sh := range s.shunts {
		b := s.shuntBus[i]
		bpu := sh.Kvar / baseKVA
		if sh.KV > 0 {
			r := s.buses[b].baseKV / sh.KV
			bpu *= r * r
		}
		y[b][b] += complex(0, bpu)
	}
	return y
}

type busKind int

const (
	kindPQ busKind = iota
	kindPV
	kindSlack
)

// problem is the per-solve view of the circuit.
type problem struct {
	y     [][]complex128
	kind  []busKind
	sSpec []complex128 // scheduled injection, per unit
	vSet  []float64
	// Generator reactive limits per PV bus, per unit. Unlimited when both
	// are zero.
	qMax, qMin []float64
	qLoad      []float64 // fixed reactive injection at the bus, excluding PV units
	active     []int     // energized non-slack buses
}

func (s *Session) buildProblem(brs []branch) *problem {
	n := len(s.buses)
	p := &problem{
		y:     s.ybus(brs),
		kind:  make([]busKind, n),
		sSpec: make([]complex128, n),
		vSet:  make([]float64, n),
		qMax:  make([]float64, n),
		qMin:  make([]float64, n),
		qLoad: make([]float64, n),
	}
	for i, l := range s.loads {
		b := s.loadBus[i]
		p.sSpec[b] -= complex(l.KW, l.Kvar) / baseKVA
		p.qLoad[b] -= l.Kvar / baseKVA
	}
	for i, g := range s.gens {
		b := s.genBus[i]
		if g.Vpu > 0 && b != s.source {
			if p.kind[b] != kindPV {
				p.kind[b] = kindPV
				p.vSet[b] = g.Vpu
			}
			p.sSpec[b] += complex(g.KW/baseKVA, 0)
			p.qMax[b] += g.MaxKvar / baseKVA
			p.qMin[b] += g.MinKvar / baseKVA
			continue
		}
		p.sSpec[b] += complex(g.KW, g.Kvar) / baseKVA
		p.qLoad[b] += g.Kvar / baseKVA
	}
	p.kind[s.source] = kindSlack
	p.vSet[s.source] = s.sourcePU
	for i := 0; i < n; i++ {
		if i != s.source && s.energized[i] {
			p.active = append(p.active, i)
		}
	}
	return p
}

// injection returns the calculated complex power injection at bus i.
func (p *problem) injection(v []complex128, i int) complex128 {
	var sum complex128
	for j, yij := range p.y[i] {
		if yij != 0 {
			sum += yij * v[j]
		}
	}
	return v[i] * cmplx.Conj(sum)
}

// mismatch is the largest active/reactive power imbalance over active buses.
func (p *problem) mismatch(v []complex128) float64 {
	worst := 0.0
	for _, i := range p.active {
		d := p.sSpec[i] - p.injection(v, i)
		worst = max(worst, abs(real(d)))
		if p.kind[i] == kindPQ {
			worst = max(worst, abs(imag(d)))
		}
	}
	return worst
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
