package testutil

import "testing"

// Flow runs a workflow test as ordered Given/When/Then stages. Each stage is a
// subtest so a failure names the point in the workflow that broke; once a
// stage fails, the remaining stages are skipped rather than asserting against
// a half-built fixture.
type Flow struct {
	t      *testing.T
	halted bool
}

func NewFlow(t *testing.T) *Flow {
	t.Helper()
	return &Flow{t: t}
}

func (f *Flow) Given(desc string, fn func(t *testing.T)) *Flow {
	return f.stage("Given "+desc, fn)
}

func (f *Flow) When(desc string, fn func(t *testing.T)) *Flow {
	return f.stage("When "+desc, fn)
}

func (f *Flow) Then(desc string, fn func(t *testing.T)) *Flow {
	return f.stage("Then "+desc, fn)
}

func (f *Flow) stage(name string, fn func(t *testing.T)) *Flow {
	f.t.Helper()
	if f.halted {
		f.t.Logf("skipped %q: an earlier stage failed", name)
		return f
	}
	if !f.t.Run(name, fn) {
		f.halted = true
	}
	return f
}
