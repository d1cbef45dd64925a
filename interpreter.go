package main

import "fmt"

// ============================================================
// 7) PROGRAM INTERPRETER — the part that earns its keep
// ============================================================
//
// A program is a tiny expression tree over learned modules. It arrives
// in one of three shapes: an explicit node list (evaluation order, with
// input indices), a flat prefix token sequence, or a soft per-position
// distribution over operators. One dispatch, three evaluators, shared
// bookkeeping in evalState.

// --- typed errors -------------------------------------------

// ConfigurationError: an operator declares an arity outside {0,1,2}.
// Surfaces at registry build time, before any training step.
type ConfigurationError struct {
	Op    string
	Arity int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: operator %q declares arity %d (want 0, 1 or 2)", e.Op, e.Arity)
}

// UnknownOperatorError: a program references an operator the registry
// never built. Aborts the whole batch.
type UnknownOperatorError struct {
	Op      string
	Example int
	Pos     int
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("unknown operator %q (example %d, position %d)", e.Op, e.Example, e.Pos)
}

// CondLookupError: conditioning id resolution failed; the vocabulary
// and sharing policy the model was built with disagree with the program.
type CondLookupError struct {
	Op      string
	Example int
}

func (e *CondLookupError) Error() string {
	return fmt.Sprintf("no conditioning id for operator %q (example %d): vocabulary/policy mismatch", e.Op, e.Example)
}

// ArityMismatchError: the program supplies a different input count than
// the operator's declared arity.
type ArityMismatchError struct {
	Op      string
	Example int
	Pos     int
	Want    int
	Got     int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("arity mismatch for %q (example %d, node %d): declared %d inputs, program supplies %d",
		e.Op, e.Example, e.Pos, e.Want, e.Got)
}

// ProgramFormatError: the program representation matches none of the
// three recognized shapes, or is internally malformed.
type ProgramFormatError struct {
	Reason string
}

func (e *ProgramFormatError) Error() string {
	return "unsupported program format: " + e.Reason
}

// --- sharing policy & registry ------------------------------

// ArityClass is the closed slot-key space under sharing: arity 0 and 1
// operators share the unary family, arity 2 the binary one.
type ArityClass int

const (
	ArityUnary ArityClass = iota
	ArityBinary
)

func (c ArityClass) String() string {
	if c == ArityBinary {
		return "binary"
	}
	return "unary"
}

func arityClassOf(arity int) (ArityClass, bool) {
	switch arity {
	case 0, 1:
		return ArityUnary, true
	case 2:
		return ArityBinary, true
	}
	return 0, false
}

// SharingPolicy holds the two independent switches: share module
// weights by arity class, share conditioning parameters by arity class.
type SharingPolicy struct {
	ShareModules bool `json:"share_modules"`
	ShareCond    bool `json:"share_cond"`
}

// ModuleRegistry owns exactly one module instance per slot. Slots are
// resolved once, at construction: operator name → slot index and
// operator name → conditioning id are plain map lookups afterwards, no
// stringly "1"/"2" keys at eval time.
type ModuleRegistry struct {
	Modules     []Module
	SlotNames   []string // stable per-slot name for checkpoints
	Conditioned bool
	Policy      SharingPolicy
	NumCond     int

	slotByOp map[string]int
	condByOp map[string]int
}

// NewModuleRegistry builds one module per (arity-class, policy) slot,
// or one per operator name when sharing is off. Every vocabulary entry
// gets a slot; sentinels are declared arity 1 by the dataset and cost
// nothing extra under sharing.
func NewModuleRegistry(vocab *Vocab, dim, kernel int, residual, withNorm, conditioned bool, policy SharingPolicy) (*ModuleRegistry, error) {
	r := &ModuleRegistry{
		Conditioned: conditioned,
		Policy:      policy,
		slotByOp:    make(map[string]int),
		condByOp:    make(map[string]int),
	}
	slotIdx := make(map[string]int)

	for _, op := range vocab.ProgramTokensSorted() {
		arity, ok := vocab.ProgramTokenArity[op]
		if !ok {
			return nil, &ConfigurationError{Op: op, Arity: -1}
		}
		class, ok := arityClassOf(arity)
		if !ok {
			return nil, &ConfigurationError{Op: op, Arity: arity}
		}

		slotName := op
		if policy.ShareModules {
			slotName = class.String()
		}
		idx, exists := slotIdx[slotName]
		if !exists {
			var mod Module
			if class == ArityBinary {
				if conditioned {
					mod = NewConcatFiLMedResBlock(dim, kernel, residual)
				} else {
					mod = NewConcatBlock(dim, kernel, residual, withNorm)
				}
			} else {
				if conditioned {
					mod = NewFiLMedResBlock(dim, kernel, residual)
				} else {
					mod = NewResidualBlock(dim, kernel, residual, withNorm)
				}
			}
			idx = len(r.Modules)
			r.Modules = append(r.Modules, mod)
			r.SlotNames = append(r.SlotNames, slotName)
			slotIdx[slotName] = idx
		}
		r.slotByOp[op] = idx

		if conditioned {
			if policy.ShareCond {
				cid := int(class)
				r.condByOp[op] = cid
				if cid+1 > r.NumCond {
					r.NumCond = cid + 1
				}
			} else {
				r.condByOp[op] = r.NumCond
				r.NumCond++
			}
		}
	}
	return r, nil
}

// Resolve maps an operator name to its owned module instance.
func (r *ModuleRegistry) Resolve(op string) (Module, bool) {
	idx, ok := r.slotByOp[op]
	if !ok {
		return nil, false
	}
	return r.Modules[idx], true
}

// CondID maps an operator name to its conditioning id.
func (r *ModuleRegistry) CondID(op string) (int, bool) {
	id, ok := r.condByOp[op]
	return id, ok
}

// Params returns every module's parameters, slot order.
func (r *ModuleRegistry) Params() []*Vec {
	var ps []*Vec
	for _, m := range r.Modules {
		ps = append(ps, m.Params()...)
	}
	return ps
}

// CondTable holds one learned (scale, shift) pair per conditioning id,
// variance-scaling initialized.
type CondTable struct {
	Gammas []*Vec
	Betas  []*Vec
}

func NewCondTable(n, dim int) *CondTable {
	t := &CondTable{}
	for i := 0; i < n; i++ {
		t.Gammas = append(t.Gammas, xavierUniformVec(dim, dim, dim))
		t.Betas = append(t.Betas, xavierUniformVec(dim, dim, dim))
	}
	return t
}

func (t *CondTable) Params() []*Vec {
	return append(append([]*Vec{}, t.Gammas...), t.Betas...)
}

// --- program representations --------------------------------

type ProgramKind int

const (
	ProgramInvalid ProgramKind = iota
	ProgramExplicit
	ProgramTokens
	ProgramSoft
)

// ProgramNode is one step of an explicit-form program: an operator and
// the indices of earlier nodes feeding it.
type ProgramNode struct {
	Op     string `json:"function"`
	Inputs []int  `json:"inputs"`
}

// ProgramBatch is the tagged union over the three program forms.
type ProgramBatch struct {
	Kind     ProgramKind
	Explicit [][]ProgramNode
	Tokens   [][]int
	Soft     [][][]float64
}

func ExplicitPrograms(nodes [][]ProgramNode) *ProgramBatch {
	return &ProgramBatch{Kind: ProgramExplicit, Explicit: nodes}
}

func TokenPrograms(tokens [][]int) *ProgramBatch {
	return &ProgramBatch{Kind: ProgramTokens, Tokens: tokens}
}

func SoftPrograms(probs [][][]float64) *ProgramBatch {
	return &ProgramBatch{Kind: ProgramSoft, Soft: probs}
}

func (p *ProgramBatch) Len() int {
	switch p.Kind {
	case ProgramExplicit:
		return len(p.Explicit)
	case ProgramTokens:
		return len(p.Tokens)
	case ProgramSoft:
		return len(p.Soft)
	}
	return 0
}

// ProgramBatchFromAny wraps an untyped program (e.g. freshly JSON
// decoded) into the union, for callers that don't build it directly.
func ProgramBatchFromAny(v interface{}) (*ProgramBatch, error) {
	switch p := v.(type) {
	case *ProgramBatch:
		return p, nil
	case [][]ProgramNode:
		return ExplicitPrograms(p), nil
	case [][]int:
		return TokenPrograms(p), nil
	case [][][]float64:
		return SoftPrograms(p), nil
	}
	return nil, &ProgramFormatError{Reason: fmt.Sprintf("%T is not an explicit node list, token matrix or probability tensor", v)}
}

// --- evaluation state ---------------------------------------

// capturedNode records one module invocation's raw output and, after
// the backward pass, the gradient that flowed into it.
type capturedNode struct {
	Data [][]float64
	Grad [][]float64
}

// evalState is the explicit per-example evaluator state: cursor into
// the token sequence, used-token mask, capture buffer. Never global.
type evalState struct {
	example  int
	cursor   int
	used     []bool
	captured []*capturedNode // nil when capture is off
}

// invoke runs one resolved operator over gathered inputs, routing
// through the conditioned forward when the model carries a cond table
// and the module supports the capability.
func (m *ModuleNet) invoke(op string, inputs []*FeatureMap, st *evalState) (*FeatureMap, error) {
	mod, ok := m.Registry.Resolve(op)
	if !ok {
		return nil, &UnknownOperatorError{Op: op, Example: st.example, Pos: st.cursor - 1}
	}

	var out *FeatureMap
	if m.Cond != nil {
		cid, ok := m.Registry.CondID(op)
		if !ok {
			return nil, &CondLookupError{Op: op, Example: st.example}
		}
		cm, isCond := mod.(CondModule)
		if !isCond {
			return nil, &CondLookupError{Op: op, Example: st.example}
		}
		out = cm.ForwardCond(inputs, m.Cond.Gammas[cid], m.Cond.Betas[cid])
	} else {
		out = mod.Forward(inputs)
	}

	if st.captured != nil {
		rec := &capturedNode{
			Data: out.CloneData(),
			Grad: make([][]float64, len(out.Cells)),
		}
		hooked := &FeatureMap{H: out.H, W: out.W, Cells: make([]*Vec, len(out.Cells))}
		for i, cell := range out.Cells {
			ci := i
			hooked.Cells[i] = cell.withGradHook(func(g []float64) {
				rec.Grad[ci] = g
			})
		}
		st.captured = append(st.captured, rec)
		out = hooked
	}
	return out, nil
}

// --- explicit-form evaluation -------------------------------

// evalExplicit walks one example's node list in order. The scene
// operator binds the example's feature map directly and never reads
// the input-index list; everything else gathers earlier outputs.
func (m *ModuleNet) evalExplicit(feat *FeatureMap, nodes []ProgramNode, st *evalState) (*FeatureMap, error) {
	if len(nodes) == 0 {
		return nil, &ProgramFormatError{Reason: fmt.Sprintf("example %d: empty program", st.example)}
	}
	outputs := make([]*FeatureMap, 0, len(nodes))
	for j, node := range nodes {
		st.cursor = j + 1
		var inputs []*FeatureMap
		if node.Op == "scene" {
			inputs = []*FeatureMap{feat}
		} else {
			arity, ok := m.Vocab.ProgramTokenArity[node.Op]
			if !ok {
				return nil, &UnknownOperatorError{Op: node.Op, Example: st.example, Pos: j}
			}
			if len(node.Inputs) != arity {
				return nil, &ArityMismatchError{Op: node.Op, Example: st.example, Pos: j,
					Want: arity, Got: len(node.Inputs)}
			}
			for _, k := range node.Inputs {
				if k < 0 || k >= j {
					return nil, &ProgramFormatError{Reason: fmt.Sprintf(
						"example %d node %d: input index %d out of range [0,%d)", st.example, j, k, j)}
				}
				inputs = append(inputs, outputs[k])
			}
		}
		out, err := m.invoke(node.Op, inputs, st)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs[len(outputs)-1], nil
}

// --- token-sequence evaluation ------------------------------

// evalTokenExpr consumes one prefix sub-expression starting at the
// state cursor and returns its value, leaving the cursor just past
// everything it consumed. Padding reads as the scene root; the start
// sentinel is skipped. Visited real tokens are marked used.
func (m *ModuleNet) evalTokenExpr(feat *FeatureMap, prog []int, st *evalState) (*FeatureMap, error) {
	j := st.cursor
	op := "scene"
	used := true
	if j >= len(prog) {
		used = false
	} else {
		name, ok := m.Vocab.ProgramToken(prog[j])
		if !ok {
			return nil, &UnknownOperatorError{Op: fmt.Sprintf("token %d", prog[j]), Example: st.example, Pos: j}
		}
		switch name {
		case TokNull:
			used = false
		case TokStart:
			st.cursor = j + 1
			return m.evalTokenExpr(feat, prog, st)
		default:
			op = name
		}
	}
	if used {
		st.used[j] = true
	}
	st.cursor = j + 1

	var inputs []*FeatureMap
	if op == "scene" {
		inputs = []*FeatureMap{feat}
	} else {
		arity, ok := m.Vocab.ProgramTokenArity[op]
		if !ok {
			return nil, &UnknownOperatorError{Op: op, Example: st.example, Pos: j}
		}
		for len(inputs) < arity {
			sub, err := m.evalTokenExpr(feat, prog, st)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, sub)
		}
	}
	return m.invoke(op, inputs, st)
}

// --- soft (probabilistic) evaluation ------------------------

// softOps caches, per arity, the candidate operator names and their
// token indices for output blending (sentinels and scene excluded).
func (m *ModuleNet) softOps(arity int) ([]string, []int) {
	var names []string
	var idxs []int
	for _, op := range m.Vocab.ProgramTokensSorted() {
		if op == TokNull || op == TokStart || op == TokEnd || op == "scene" {
			continue
		}
		if m.Vocab.ProgramTokenArity[op] == arity {
			names = append(names, op)
			idxs = append(idxs, m.Vocab.ProgramTokenToIdx[op])
		}
	}
	return names, idxs
}

func scaleMap(fm *FeatureMap, s float64) *FeatureMap {
	out := &FeatureMap{H: fm.H, W: fm.W, Cells: make([]*Vec, len(fm.Cells))}
	for i, c := range fm.Cells {
		out.Cells[i] = c.Scale(s)
	}
	return out
}

// evalSoftExpr consumes a soft program position-by-position. Tree shape
// follows the argmax operator at each position; the value blends every
// same-arity operator's output, weighted by the renormalized position
// distribution, so the whole thing stays differentiable in the program.
func (m *ModuleNet) evalSoftExpr(feat *FeatureMap, probs [][]float64, st *evalState) (*FeatureMap, error) {
	j := st.cursor
	op := "scene"
	if j < len(probs) {
		best := argmaxFloat(probs[j])
		name, ok := m.Vocab.ProgramToken(best)
		if !ok {
			return nil, &UnknownOperatorError{Op: fmt.Sprintf("token %d", best), Example: st.example, Pos: j}
		}
		switch name {
		case TokStart:
			st.cursor = j + 1
			return m.evalSoftExpr(feat, probs, st)
		case TokNull:
			// op stays scene
		default:
			op = name
		}
	}
	st.cursor = j + 1

	if op == "scene" {
		return m.invoke("scene", []*FeatureMap{feat}, st)
	}

	arity, ok := m.Vocab.ProgramTokenArity[op]
	if !ok {
		return nil, &UnknownOperatorError{Op: op, Example: st.example, Pos: j}
	}
	var inputs []*FeatureMap
	for len(inputs) < arity {
		sub, err := m.evalSoftExpr(feat, probs, st)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, sub)
	}

	names, idxs := m.softOps(arity)
	wsum := 0.0
	for _, k := range idxs {
		if k < len(probs[j]) {
			wsum += probs[j][k]
		}
	}
	if wsum <= 0 {
		return m.invoke(op, inputs, st)
	}
	var blended *FeatureMap
	for i, name := range names {
		w := 0.0
		if idxs[i] < len(probs[j]) {
			w = probs[j][idxs[i]] / wsum
		}
		if w == 0 {
			continue
		}
		out, err := m.invoke(name, inputs, st)
		if err != nil {
			return nil, err
		}
		scaled := scaleMap(out, w)
		if blended == nil {
			blended = scaled
		} else {
			blended = addMaps(blended, scaled)
		}
	}
	return blended, nil
}
