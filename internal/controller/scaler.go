package controller

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/solver"
)

type applied struct {
	kw, kvar float64
}

// Scaler sets every load's demand to its nominal value times a multiplier.
// The nominal values are captured once and never read back from the
// session, so repeated scaling never compounds.
type Scaler struct {
	session solver.Session
	records []model.LoadRecord
	applied []applied
	Log     logrus.FieldLogger
}

func NewScaler(session solver.Session, records []model.LoadRecord) *Scaler {
	s := &Scaler{
		session: session,
		records: make([]model.LoadRecord, len(records)),
		applied: make([]applied, len(records)),
		Log:     logrus.StandardLogger(),
	}
	copy(s.records, records)
	for i, r := range records {
		s.applied[i] = applied{kw: r.OriginalKW, kvar: r.OriginalKvar}
	}
	return s
}

// Records returns a copy of the nominal load records.
func (s *Scaler) Records() []model.LoadRecord {
	out := make([]model.LoadRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Applied returns the demand last written to the named load.
func (s *Scaler) Applied(name string) (kw, kvar float64, ok bool) {
	for i, r := range s.records {
		if r.Name == name {
			return s.applied[i].kw, s.applied[i].kvar, true
		}
	}
	return 0, 0, false
}

// Scale applies multiplier to every load on a best-effort basis. A load that
// rejects a write keeps its previous values and is reported in the returned
// ScalingErrors; the remaining loads are still scaled.
func (s *Scaler) Scale(multiplier float64) error {
	if multiplier < 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidMultiplier, multiplier)
	}

	var errs ScalingErrors
	for i, r := range s.records {
		elem := r.Element()
		kw := r.OriginalKW * multiplier
		kvar := r.OriginalKvar * multiplier

		if err := s.session.SetProperty(elem, solver.PropKW, kw); err != nil {
			s.Log.WithFields(logrus.Fields{"load": r.Name, "multiplier": multiplier}).Warnf("Failed to scale load: %v", err)
			errs = append(errs, &ScalingError{Load: r.Name, Property: solver.PropKW, Value: kw, Err: err})
			continue
		}
		if err := s.session.SetProperty(elem, solver.PropKvar, kvar); err != nil {
			s.Log.WithFields(logrus.Fields{"load": r.Name, "multiplier": multiplier}).Warnf("Failed to scale load: %v", err)
			errs = append(errs, &ScalingError{Load: r.Name, Property: solver.PropKvar, Value: kvar, Err: err})
			if rerr := s.session.SetProperty(elem, solver.PropKW, s.applied[i].kw); rerr != nil {
				s.Log.WithField("load", r.Name).Errorf("Failed to restore kW after kvar failure: %v", rerr)
			}
			continue
		}
		s.applied[i] = applied{kw: kw, kvar: kvar}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
