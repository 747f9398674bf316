package bootpatch

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type StepState int

const (
	StepNotLocated StepState = iota
	StepLocated
	StepApplied
	StepFatal
)

func (s StepState) String() string {
	switch s {
	case StepNotLocated:
		return "not-located"
	case StepLocated:
		return "located"
	case StepApplied:
		return "applied"
	case StepFatal:
		return "fatal"
	}
	return "unknown"
}

// Step is one signature-located modification. Locate returns the sites to
// patch; Apply is run once per site. Expect, when positive, is the exact
// number of sites Locate must return.
type Step struct {
	Name     string
	Locate   func(img *Image) []uint64
	Apply    func(img *Image, addr uint64)
	Required bool
	Expect   int
}

type StepResult struct {
	Name  string
	State StepState
	Sites []uint64
}

type Report struct {
	Plan  string
	Steps []StepResult
}

// Complete reports whether every step was located.
func (r *Report) Complete() bool {
	return len(r.Unresolved()) == 0
}

func (r *Report) Unresolved() []string {
	var out []string
	for _, s := range r.Steps {
		if s.State == StepNotLocated || s.State == StepFatal {
			out = append(out, s.Name)
		}
	}
	return out
}

// Plan is an ordered list of steps run against one image.
type Plan struct {
	Name  string
	Steps []Step
}

func (p *Plan) locate(img *Image, s *Step) ([]uint64, bool) {
	sites := s.Locate(img)
	if len(sites) == 0 {
		return sites, false
	}
	if s.Expect > 0 && len(sites) != s.Expect {
		return sites, false
	}
	return sites, true
}

// Run applies the steps in order. A required step that cannot be located
// halts through env.Halt; Run panics if Halt returns, so no later step ever
// runs against the partially patched image.
func (p *Plan) Run(env *Env, img *Image) *Report {
	rep := &Report{Plan: p.Name}
	for i := range p.Steps {
		s := &p.Steps[i]
		log := env.Log.WithFields(logrus.Fields{"plan": p.Name, "step": s.Name})

		sites, ok := p.locate(img, s)
		if !ok {
			if !s.Required {
				log.WithField("sites", len(sites)).Warn("optional step not located")
				rep.Steps = append(rep.Steps, StepResult{Name: s.Name, State: StepNotLocated, Sites: sites})
				continue
			}
			reason := fmt.Sprintf("%s: %s not located (%d sites, want %s)", p.Name, s.Name, len(sites), expectString(s.Expect))
			log.WithField("sites", len(sites)).Error("required step not located")
			rep.Steps = append(rep.Steps, StepResult{Name: s.Name, State: StepFatal, Sites: sites})
			env.Halt(reason)
			panic("halt returned: " + reason)
		}

		for _, addr := range sites {
			log.WithField("address", fmt.Sprintf("%#x", addr)).Debug("patching")
			s.Apply(img, addr)
		}
		log.WithField("sites", len(sites)).Info("applied")
		rep.Steps = append(rep.Steps, StepResult{Name: s.Name, State: StepApplied, Sites: sites})
	}
	return rep
}

// Locate resolves every step without modifying the image or halting.
func (p *Plan) Locate(env *Env, img *Image) *Report {
	rep := &Report{Plan: p.Name}
	for i := range p.Steps {
		s := &p.Steps[i]
		sites, ok := p.locate(img, s)
		state := StepLocated
		if !ok {
			state = StepNotLocated
		}
		env.Log.WithFields(logrus.Fields{
			"plan":  p.Name,
			"step":  s.Name,
			"sites": len(sites),
			"state": state,
		}).Debug("located")
		rep.Steps = append(rep.Steps, StepResult{Name: s.Name, State: state, Sites: sites})
	}
	return rep
}

// Concat joins plans into one, keeping step order.
func Concat(name string, plans ...*Plan) *Plan {
	out := &Plan{Name: name}
	for _, p := range plans {
		out.Steps = append(out.Steps, p.Steps...)
	}
	return out
}

func expectString(n int) string {
	if n > 0 {
		return fmt.Sprint(n)
	}
	return "at least 1"
}
