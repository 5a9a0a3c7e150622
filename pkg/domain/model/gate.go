package model

// GateResult is what a policy runner produces for a run. The analysis
// semantics themselves live behind the Runner interface; the pipeline
// only cares about the verdict and what to render.
type GateResult struct {
	Passed        bool
	Summary       string
	FindingsCount int
	Annotations   []Annotation
	Details       map[string]any
}
