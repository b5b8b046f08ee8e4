package acflow

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"loadflow/internal/model"
)

const (
	accel    = 1.4
	maxVmag  = 3.0
	minVmag  = 0.05
	diverged = "solution diverged"
)

type outcome struct {
	ok         bool
	iterations int
	diag       string
}

// Solve runs the configured algorithm inside the generator reactive-limit
// control loop. Non-convergence is not an error; see IsConverged.
func (s *Session) Solve() error {
	if !s.opened {
		return fmt.Errorf("acflow: no circuit open")
	}
	brs := s.branches()
	s.energize(brs)
	p := s.buildProblem(brs)
	v := s.startingPoint(p)

	s.solved = true
	s.converged = false
	s.lastErr = ""
	s.iterations = 0

	for pass := 0; pass < s.maxCtrl; pass++ {
		var out outcome
		switch s.cfg.Algorithm {
		case model.AlgorithmNorm:
			out = gaussSeidel(p, v, s.cfg.MaxIterations, s.cfg.Tolerance)
		default:
			out = newton(p, v, s.cfg.MaxIterations, s.cfg.Tolerance)
		}
		s.iterations += out.iterations
		copy(s.v, v)
		if !out.ok {
			s.lastErr = out.diag
			return nil
		}
		if !enforceLimits(p, v) {
			s.converged = true
			s.good = append(s.good[:0], v...)
			return nil
		}
	}
	copy(s.v, v)
	s.lastErr = fmt.Sprintf("max control iterations (%d) exceeded", s.maxCtrl)
	return nil
}

// startingPoint warm-starts from the last converged solution where a bus
// was energized in it, and from a flat profile elsewhere.
func (s *Session) startingPoint(p *problem) []complex128 {
	v := make([]complex128, len(s.buses))
	for i := range v {
		if !s.energized[i] {
			continue
		}
		switch {
		case i < len(s.good) && s.good[i] != 0:
			v[i] = s.good[i]
		default:
			v[i] = 1
		}
		if p.kind[i] != kindPQ {
			v[i] = cmplx.Rect(p.vSet[i], cmplx.Phase(v[i]))
		}
	}
	v[s.source] = complex(s.sourcePU, 0)
	return v
}

// enforceLimits converts PV buses whose generators exceed their reactive
// limits to PQ buses pinned at the limit. It reports whether any bus changed.
func enforceLimits(p *problem, v []complex128) bool {
	changed := false
	for _, i := range p.active {
		if p.kind[i] != kindPV || (p.qMax[i] == 0 && p.qMin[i] == 0) {
			continue
		}
		qgen := imag(p.injection(v, i)) - p.qLoad[i]
		limit := 0.0
		switch {
		case qgen > p.qMax[i]:
			limit = p.qMax[i]
		case qgen < p.qMin[i]:
			limit = p.qMin[i]
		default:
			continue
		}
		p.kind[i] = kindPQ
		p.sSpec[i] = complex(real(p.sSpec[i]), p.qLoad[i]+limit)
		changed = true
	}
	return changed
}

func newton(p *problem, v []complex128, maxIter int, tol float64) outcome {
	n := len(v)
	angIdx := make([]int, n)
	magIdx := make([]int, n)
	for i := range angIdx {
		angIdx[i], magIdx[i] = -1, -1
	}
	na := 0
	for _, i := range p.active {
		angIdx[i] = na
		na++
	}
	nm := 0
	for _, i := range p.active {
		if p.kind[i] == kindPQ {
			magIdx[i] = na + nm
			nm++
		}
	}
	size := na + nm
	if size == 0 {
		return outcome{ok: true}
	}

	vm := make([]float64, n)
	th := make([]float64, n)
	for i, x := range v {
		vm[i], th[i] = cmplx.Abs(x), cmplx.Phase(x)
	}
	pc := make([]float64, n)
	qc := make([]float64, n)
	f := mat.NewVecDense(size, nil)
	dx := mat.NewVecDense(size, nil)
	jac := mat.NewDense(size, size, nil)
	var lu mat.LU

	for it := 0; ; it++ {
		worst := 0.0
		for _, i := range p.active {
			sc := p.injection(v, i)
			pc[i], qc[i] = real(sc), imag(sc)
			dp := real(p.sSpec[i]) - pc[i]
			f.SetVec(angIdx[i], dp)
			worst = max(worst, math.Abs(dp))
			if k := magIdx[i]; k >= 0 {
				dq := imag(p.sSpec[i]) - qc[i]
				f.SetVec(k, dq)
				worst = max(worst, math.Abs(dq))
			}
		}
		if math.IsNaN(worst) {
			return outcome{iterations: it, diag: diverged}
		}
		if worst < tol && it > 0 {
			return outcome{ok: true, iterations: it}
		}
		if it >= maxIter {
			return outcome{iterations: it, diag: fmt.Sprintf("solution did not converge in %d iterations (mismatch %.4g pu)", maxIter, worst)}
		}

		jac.Zero()
		for _, i := range p.active {
			ri, qi := angIdx[i], magIdx[i]
			for j, yij := range p.y[i] {
				if yij == 0 {
					continue
				}
				g, b := real(yij), imag(yij)
				if j == i {
					jac.Set(ri, ri, -qc[i]-b*vm[i]*vm[i])
					if qi >= 0 {
						jac.Set(ri, qi, pc[i]/vm[i]+g*vm[i])
						jac.Set(qi, ri, pc[i]-g*vm[i]*vm[i])
						jac.Set(qi, qi, qc[i]/vm[i]-b*vm[i])
					}
					continue
				}
				sin, cos := math.Sincos(th[i] - th[j])
				if cj := angIdx[j]; cj >= 0 {
					jac.Set(ri, cj, vm[i]*vm[j]*(g*sin-b*cos))
					if qi >= 0 {
						jac.Set(qi, cj, -vm[i]*vm[j]*(g*cos+b*sin))
					}
				}
				if cj := magIdx[j]; cj >= 0 {
					jac.Set(ri, cj, vm[i]*(g*cos+b*sin))
					if qi >= 0 {
						jac.Set(qi, cj, vm[i]*(g*sin-b*cos))
					}
				}
			}
		}

		lu.Factorize(jac)
		if err := lu.SolveVecTo(dx, false, f); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
				return outcome{iterations: it + 1, diag: "singular jacobian"}
			}
		}

		for _, i := range p.active {
			th[i] += dx.AtVec(angIdx[i])
			if k := magIdx[i]; k >= 0 {
				vm[i] += dx.AtVec(k)
			}
			if math.IsNaN(vm[i]) || vm[i] < minVmag || vm[i] > maxVmag {
				return outcome{iterations: it + 1, diag: diverged}
			}
			v[i] = cmplx.Rect(vm[i], th[i])
		}
	}
}

func gaussSeidel(p *problem, v []complex128, maxIter int, tol float64) outcome {
	if len(p.active) == 0 {
		return outcome{ok: true}
	}
	for it := 1; it <= maxIter; it++ {
		for _, i := range p.active {
			yii := p.y[i][i]
			if yii == 0 {
				return outcome{iterations: it, diag: "isolated bus in admittance matrix"}
			}
			sp := p.sSpec[i]
			if p.kind[i] == kindPV {
				sp = complex(real(sp), imag(p.injection(v, i)))
			}
			var sum complex128
			for j, yij := range p.y[i] {
				if j != i && yij != 0 {
					sum += yij * v[j]
				}
			}
			vn := (cmplx.Conj(sp)/cmplx.Conj(v[i]) - sum) / yii
			if p.kind[i] == kindPV {
				v[i] = cmplx.Rect(p.vSet[i], cmplx.Phase(vn))
				continue
			}
			v[i] += complex(accel, 0) * (vn - v[i])
			if mag := cmplx.Abs(v[i]); math.IsNaN(mag) || mag < minVmag || mag > maxVmag {
				return outcome{iterations: it, diag: diverged}
			}
		}
		worst := p.mismatch(v)
		if math.IsNaN(worst) {
			return outcome{iterations: it, diag: diverged}
		}
		if worst < tol {
			return outcome{ok: true, iterations: it}
		}
		if it == maxIter {
			return outcome{iterations: it, diag: fmt.Sprintf("solution did not converge in %d iterations (mismatch %.4g pu)", maxIter, worst)}
		}
	}
	return outcome{iterations: maxIter, diag: "solution did not converge"}
}
