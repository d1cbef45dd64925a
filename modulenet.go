package main

import (
	"fmt"
	"math"
	"sync"
)

// ============================================================
// 8) MODULE NET — stem, registry, interpreter, classifier
// ============================================================

// ParamGroup names a set of parameters for the optimizer and the
// checkpoint (group names are stable across construction).
type ParamGroup struct {
	Name   string
	Params []*Vec
}

// AdamState is per-group optimizer state.
type AdamState struct {
	M [][]float64
	V [][]float64
	T int
}

// ModuleNet answers questions about images by composing learned
// modules according to a per-question program. The registry and cond
// table are shared, read-only during evaluation; weights move only in
// AdamStep.
type ModuleNet struct {
	Vocab       *Vocab
	Policy      SharingPolicy
	Conditioned bool

	Stem       *Stem
	Registry   *ModuleRegistry
	Cond       *CondTable
	Classifier *Classifier

	ModuleH, ModuleW int

	mu   sync.Mutex
	Adam map[string]*AdamState

	captureOutputs bool
	capturedOuts   [][]*capturedNode
	usedFns        [][]bool
}

// NewModuleNet builds the full model from CFG and a vocabulary.
// Fails with ConfigurationError if any operator declares a bad arity.
func NewModuleNet(vocab *Vocab) (*ModuleNet, error) {
	policy := SharingPolicy{ShareModules: CFG.ShareModules, ShareCond: CFG.ShareCond}
	reg, err := NewModuleRegistry(vocab, CFG.ModuleDim, CFG.ModuleKernelSize,
		CFG.ModuleResidual, CFG.ModuleMapNorm, CFG.UseCond, policy)
	if err != nil {
		return nil, err
	}

	stem := NewStem(3, CFG.ModuleDim, CFG.StemNumLayers, CFG.StemKernelSize,
		CFG.StemSubsample, CFG.StemMapNorm)
	mh, mw := stem.OutputSize(CFG.ImageSize, CFG.ImageSize)

	m := &ModuleNet{
		Vocab:       vocab,
		Policy:      policy,
		Conditioned: CFG.UseCond,
		Stem:        stem,
		Registry:    reg,
		Classifier: NewClassifier(CFG.ModuleDim, CFG.ClassifierProjDim, mh, mw,
			CFG.ClassifierFCDims, vocab.NumAnswers()),
		ModuleH: mh,
		ModuleW: mw,
		Adam:    make(map[string]*AdamState),
	}
	if CFG.UseCond {
		m.Cond = NewCondTable(reg.NumCond, CFG.ModuleDim)
	}
	return m, nil
}

// SetCaptureOutputs toggles per-node output/gradient capture for the
// next forward pass. Captured buffers are per example, append-only.
func (m *ModuleNet) SetCaptureOutputs(on bool) {
	m.captureOutputs = on
}

// CapturedOutputs returns the capture buffers from the last forward
// pass (example-major, node order).
func (m *ModuleNet) CapturedOutputs() [][]*capturedNode {
	return m.capturedOuts
}

// UsedFns reports, per example and position, whether the program token
// was actually consumed during the last token-sequence evaluation.
func (m *ModuleNet) UsedFns() [][]bool {
	return m.usedFns
}

// forEachExample runs fn for every example index, optionally on a
// small worker pool. Output slots are index-addressed so batch order
// is preserved regardless of scheduling; first error wins.
func forEachExample(n, workers int, fn func(i int) error) error {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}

// RunPrograms evaluates one program per example against the module
// registry, producing one output feature map per example in input
// order. This is the top-level dispatch over the program union.
func (m *ModuleNet) RunPrograms(feats []*FeatureMap, progs *ProgramBatch) ([]*FeatureMap, error) {
	n := progs.Len()
	if len(feats) != n {
		return nil, &ProgramFormatError{Reason: fmt.Sprintf("%d feature maps for %d programs", len(feats), n)}
	}

	outs := make([]*FeatureMap, n)
	if m.captureOutputs {
		m.capturedOuts = make([][]*capturedNode, n)
	} else {
		m.capturedOuts = nil
	}
	if progs.Kind == ProgramTokens {
		m.usedFns = make([][]bool, n)
		for i, prog := range progs.Tokens {
			m.usedFns[i] = make([]bool, len(prog))
		}
	} else {
		m.usedFns = nil
	}

	// Capture hooks write per-example buffers; still safe to fan out
	// since each example owns its own state.
	workers := CFG.EvalWorkers

	var evalOne func(i int) error
	switch progs.Kind {
	case ProgramExplicit:
		evalOne = func(i int) error {
			st := m.newState(i, nil)
			out, err := m.evalExplicit(feats[i], progs.Explicit[i], st)
			if err != nil {
				return err
			}
			m.finishState(i, st)
			outs[i] = out
			return nil
		}
	case ProgramTokens:
		evalOne = func(i int) error {
			st := m.newState(i, m.usedFns[i])
			out, err := m.evalTokenExpr(feats[i], progs.Tokens[i], st)
			if err != nil {
				return err
			}
			m.finishState(i, st)
			outs[i] = out
			return nil
		}
	case ProgramSoft:
		evalOne = func(i int) error {
			st := m.newState(i, nil)
			out, err := m.evalSoftExpr(feats[i], progs.Soft[i], st)
			if err != nil {
				return err
			}
			m.finishState(i, st)
			outs[i] = out
			return nil
		}
	default:
		return nil, &ProgramFormatError{Reason: fmt.Sprintf("program kind %d", progs.Kind)}
	}

	if err := forEachExample(n, workers, evalOne); err != nil {
		return nil, err
	}
	return outs, nil
}

func (m *ModuleNet) newState(example int, used []bool) *evalState {
	st := &evalState{example: example, used: used}
	if m.captureOutputs {
		st.captured = make([]*capturedNode, 0, 8)
	}
	return st
}

func (m *ModuleNet) finishState(example int, st *evalState) {
	if m.captureOutputs {
		m.capturedOuts[example] = st.captured
	}
}

// Forward runs the whole model: stem, program interpreter, classifier.
// Returns one answer-logit vector per example, batch order.
func (m *ModuleNet) Forward(images []*FeatureMap, progs *ProgramBatch) ([]*Vec, error) {
	n := progs.Len()
	if len(images) != n {
		return nil, &ProgramFormatError{Reason: fmt.Sprintf("%d images for %d programs", len(images), n)}
	}

	feats := make([]*FeatureMap, n)
	if err := forEachExample(n, CFG.EvalWorkers, func(i int) error {
		feats[i] = m.Stem.Forward(images[i])
		return nil
	}); err != nil {
		return nil, err
	}

	outs, err := m.RunPrograms(feats, progs)
	if err != nil {
		return nil, err
	}

	logits := make([]*Vec, n)
	if err := forEachExample(n, CFG.EvalWorkers, func(i int) error {
		logits[i] = m.Classifier.Forward(outs[i])
		return nil
	}); err != nil {
		return nil, err
	}
	return logits, nil
}

// ExpandAnswerVocab grows the classifier for new answer labels while
// preserving all previously learned rows. New rows are near-zero with
// a strongly negative bias. Optimizer state resets (shapes changed).
func (m *ModuleNet) ExpandAnswerVocab(answerToIdx map[string]int, std, initB float64) {
	maxIdx := m.Vocab.NumAnswers() - 1
	for label, idx := range answerToIdx {
		m.Vocab.AnswerTokenToIdx[label] = idx
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	m.Vocab.finish()
	m.Classifier.ExpandAnswers(maxIdx+1, std, initB)
	m.Adam = make(map[string]*AdamState)
}

// ParamGroups enumerates every trainable parameter under a stable name.
func (m *ModuleNet) ParamGroups() []ParamGroup {
	groups := []ParamGroup{
		{Name: "stem", Params: m.Stem.Params()},
	}
	for i, mod := range m.Registry.Modules {
		groups = append(groups, ParamGroup{
			Name:   "module:" + m.Registry.SlotNames[i],
			Params: mod.Params(),
		})
	}
	if m.Cond != nil {
		groups = append(groups, ParamGroup{Name: "cond", Params: m.Cond.Params()})
	}
	groups = append(groups, ParamGroup{Name: "classifier", Params: m.Classifier.Params()})
	return groups
}

// AllParams flattens every group (for clipping and zeroing).
func (m *ModuleNet) AllParams() []*Vec {
	var ps []*Vec
	for _, g := range m.ParamGroups() {
		ps = append(ps, g.Params...)
	}
	return ps
}

func (m *ModuleNet) ensureAdam(params []*Vec, key string) {
	if _, ok := m.Adam[key]; !ok {
		mm := make([][]float64, len(params))
		vv := make([][]float64, len(params))
		for i, p := range params {
			mm[i] = make([]float64, len(p.Data))
			vv[i] = make([]float64, len(p.Data))
		}
		m.Adam[key] = &AdamState{M: mm, V: vv}
	}
}

// AdamStep performs one Adam update on a parameter group.
// And lo, the optimizer shall descend like a petty god with momentum.
func (m *ModuleNet) AdamStep(params []*Vec, key string, lr float64) {
	m.ensureAdam(params, key)
	st := m.Adam[key]
	st.T++
	t := st.T
	b1, b2, eps := CFG.Beta1, CFG.Beta2, CFG.EpsAdam
	b1Corr := 1.0 - math.Pow(b1, float64(t))
	b2Corr := 1.0 - math.Pow(b2, float64(t))

	for i, p := range params {
		mi := st.M[i]
		vi := st.V[i]
		for j := 0; j < len(p.Data); j++ {
			g := p.Grad[j]
			mi[j] = b1*mi[j] + (1-b1)*g
			vi[j] = b2*vi[j] + (1-b2)*(g*g)
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= lr * mhat / (math.Sqrt(vhat) + eps)
			p.Grad[j] = 0.0
		}
	}
}

// Lock serializes training against checkpointing.
func (m *ModuleNet) Lock()   { m.mu.Lock() }
func (m *ModuleNet) Unlock() { m.mu.Unlock() }
