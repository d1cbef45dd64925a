package main

import (
	"math"
	"math/rand"
	"sync/atomic"
)

// ============================================================
// 1) AUTOGRAD — vectors, not scalar confetti
// ============================================================

// gradEnabled controls whether Vec/Scalar ops build the backward graph.
// Evaluation-only paths (accuracy sweeps, the ask REPL) turn it off and
// get plain forward math. Atomic to prevent torn reads; forward passes
// that train are serialized by the model mutex anyway.
var gradEnabled atomic.Bool

func init() { gradEnabled.Store(true) }

// Node is anything in the autograd compute graph.
type Node interface {
	getChildren() []Node
	doBackward()
}

// Vec is a differentiable vector. One object = one channel vector:
// a pixel's channels, a bias, a FiLM coefficient row.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

func NewVec(data []float64) *Vec {
	g := make([]float64, len(data))
	return &Vec{Data: data, Grad: g}
}

func NewVecZero(n int) *Vec {
	return NewVec(make([]float64, n))
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}

// Add returns a new Vec = self + other (element-wise).
func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v, other}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[i]
				other.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Sub returns a new Vec = self - other.
func (v *Vec) Sub(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] - other.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v, other}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[i]
				other.Grad[i] -= out.Grad[i]
			}
		}
	}
	return out
}

// MulVec returns element-wise product self * other.
func (v *Vec) MulVec(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * other.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v, other}
		vData := v.Data
		oData := other.Data
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += oData[i] * out.Grad[i]
				other.Grad[i] += vData[i] * out.Grad[i]
			}
		}
	}
	return out
}

// Scale returns self * scalar.
func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += s * out.Grad[i]
			}
		}
	}
	return out
}

// ReLU applies max(0, x) element-wise.
func (v *Vec) ReLU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if v.Data[i] > 0 {
			d[i] = v.Data[i]
		}
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		vData := v.Data
		out.backFn = func() {
			for i := 0; i < n; i++ {
				if vData[i] > 0 {
					v.Grad[i] += out.Grad[i]
				}
			}
		}
	}
	return out
}

// MeanSq returns mean of squared elements (scalar).
func (v *Vec) MeanSq() *Scalar {
	n := len(v.Data)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * v.Data[i]
	}
	val /= float64(n)
	out := &Scalar{Data: val}
	if gradEnabled.Load() {
		out.children = []Node{v}
		vData := v.Data
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad * 2.0 * vData[i] / float64(n)
			}
		}
	}
	return out
}

// RSqrtEps returns (self + eps)^(-1/2) element-wise. Used by MapNorm.
func (v *Vec) RSqrtEps(eps float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = 1.0 / math.Sqrt(v.Data[i]+eps)
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		vData := v.Data
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[i] * (-0.5) * math.Pow(vData[i]+eps, -1.5)
			}
		}
	}
	return out
}

// Slice returns a view-copy of [start, end).
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i, j := 0, start; j < end; i, j = i+1, j+1 {
				v.Grad[j] += out.Grad[i]
			}
		}
	}
	return out
}

// Concat joins multiple vectors into one.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		d = append(d, v.Data...)
		kids[i] = v
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = kids
		out.backFn = func() {
			offset := 0
			for _, v := range vecs {
				n := len(v.Data)
				for i := 0; i < n; i++ {
					v.Grad[i] += out.Grad[offset+i]
				}
				offset += n
			}
		}
	}
	return out
}

// MaxVecs returns the element-wise maximum of the given vectors.
// Gradient flows only to the winning element (first winner on ties).
func MaxVecs(vecs []*Vec) *Vec {
	n := len(vecs[0].Data)
	d := make([]float64, n)
	argmax := make([]int, n)
	for i := 0; i < n; i++ {
		best := vecs[0].Data[i]
		bestK := 0
		for k := 1; k < len(vecs); k++ {
			if vecs[k].Data[i] > best {
				best = vecs[k].Data[i]
				bestK = k
			}
		}
		d[i] = best
		argmax[i] = bestK
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		kids := make([]Node, len(vecs))
		for i, v := range vecs {
			kids[i] = v
		}
		out.children = kids
		out.backFn = func() {
			for i := 0; i < n; i++ {
				vecs[argmax[i]].Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// withGradHook returns a pass-through copy of v whose backward step
// reports the incoming gradient to fn before forwarding it. Used for
// per-node output introspection when capture is enabled.
func (v *Vec) withGradHook(fn func(grad []float64)) *Vec {
	d := make([]float64, len(v.Data))
	copy(d, v.Data)
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			g := make([]float64, len(out.Grad))
			copy(g, out.Grad)
			fn(g)
			for i := range v.Grad {
				v.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Scalar is a differentiable scalar value (for losses).
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}

// AddS returns self + other.
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	if gradEnabled.Load() {
		out.children = []Node{s, other}
		out.backFn = func() {
			s.Grad += out.Grad
			other.Grad += out.Grad
		}
	}
	return out
}

// MulF returns self * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	if gradEnabled.Load() {
		out.children = []Node{s}
		out.backFn = func() {
			s.Grad += f * out.Grad
		}
	}
	return out
}

// Backward performs reverse-mode autodiff from this node.
// And lo, the graph shall be walked backwards, like a salmon with regrets.
func Backward(root Node) {
	topo := make([]Node, 0)
	visited := make(map[Node]bool)

	var build func(n Node)
	build = func(n Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.getChildren() {
			build(c)
		}
		topo = append(topo, n)
	}
	build(root)

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}

// ============================================================
// 2) PARAMETERS — matrices that remember, and sometimes grow
// ============================================================

// MatrixParam is a weight matrix: rows of Vecs. Shape (nout, nin).
// It can GROW when the answer vocab expands — because forgetting is for cowards.
type MatrixParam struct {
	Rows []*Vec
	Nout int
	Nin  int
}

func NewMatrixParam(nout, nin int, std float64) *MatrixParam {
	rows := make([]*Vec, nout)
	for i := 0; i < nout; i++ {
		d := make([]float64, nin)
		for j := 0; j < nin; j++ {
			d[j] = rand.NormFloat64() * std
		}
		rows[i] = NewVec(d)
	}
	return &MatrixParam{Rows: rows, Nout: nout, Nin: nin}
}

// NewMatrixParamKaiming initializes with He fan-in scaling, the right
// std for conv/FC weights feeding ReLUs.
func NewMatrixParamKaiming(nout, nin int) *MatrixParam {
	return NewMatrixParam(nout, nin, math.Sqrt(2.0/float64(nin)))
}

// Matvec computes matrix @ vector. The forward loop hands off to BLAS
// when compiled with cgo (see blas_cgo.go); backward is always pure Go.
func (m *MatrixParam) Matvec(x *Vec) *Vec {
	nout := m.Nout
	nin := len(x.Data)
	outData := make([]float64, nout)

	if hasBLAS && nout*nin >= blasMinWork {
		flat := m.flatData(nin)
		blasDgemv(nout, nin, flat, x.Data, outData)
	} else {
		for i := 0; i < nout; i++ {
			sum := 0.0
			for j := 0; j < nin; j++ {
				sum += m.Rows[i].Data[j] * x.Data[j]
			}
			outData[i] = sum
		}
	}

	out := NewVec(outData)
	if gradEnabled.Load() {
		kids := make([]Node, nout+1)
		for i := 0; i < nout; i++ {
			kids[i] = m.Rows[i]
		}
		kids[nout] = x
		out.children = kids
		rowsRef := m.Rows
		out.backFn = func() {
			for i := 0; i < nout; i++ {
				g := out.Grad[i]
				for j := 0; j < nin; j++ {
					rowsRef[i].Grad[j] += g * x.Data[j]
					x.Grad[j] += g * rowsRef[i].Data[j]
				}
			}
		}
	}
	return out
}

// flatData packs rows into one row-major buffer for BLAS.
func (m *MatrixParam) flatData(nin int) []float64 {
	flat := make([]float64, m.Nout*nin)
	for i, row := range m.Rows {
		copy(flat[i*nin:], row.Data[:nin])
	}
	return flat
}

// GrowRows adds new rows (for answer-vocab expansion), preserving the
// existing ones. New rows start near zero; the caller sets biases.
func (m *MatrixParam) GrowRows(newNout int, std float64) {
	if newNout <= m.Nout {
		return
	}
	for i := m.Nout; i < newNout; i++ {
		d := make([]float64, m.Nin)
		for j := 0; j < m.Nin; j++ {
			d[j] = rand.NormFloat64() * std
		}
		m.Rows = append(m.Rows, NewVec(d))
	}
	m.Nout = newNout
}

// Params returns all row vectors (for the optimizer).
func (m *MatrixParam) Params() []*Vec {
	return m.Rows
}

// xavierUniformVec returns a Vec initialized with variance-scaling
// uniform noise, U(-a, a) with a = sqrt(6/(fanIn+fanOut)). Used for
// the conditioning table (one fan per side of the scale/shift pair).
func xavierUniformVec(n, fanIn, fanOut int) *Vec {
	a := math.Sqrt(6.0 / float64(fanIn+fanOut))
	d := make([]float64, n)
	for i := range d {
		d[i] = (rand.Float64()*2.0 - 1.0) * a
	}
	return NewVec(d)
}

// ============================================================
// 3) LOSSES & FRIENDS
// ============================================================

// CrossEntropyLoss computes -log softmax(logits)[target].
func CrossEntropyLoss(logits *Vec, target int) *Scalar {
	maxVal := logits.Data[0]
	for _, v := range logits.Data[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	n := len(logits.Data)
	shifted := make([]float64, n)
	expSum := 0.0
	for i := 0; i < n; i++ {
		shifted[i] = logits.Data[i] - maxVal
		expSum += math.Exp(shifted[i])
	}
	logSumExp := math.Log(expSum) + maxVal
	lossVal := logSumExp - logits.Data[target]

	probs := make([]float64, n)
	for i := 0; i < n; i++ {
		probs[i] = math.Exp(shifted[i]) / expSum
	}

	out := &Scalar{Data: lossVal}
	if gradEnabled.Load() {
		out.children = []Node{logits}
		out.backFn = func() {
			g := out.Grad
			for i := 0; i < n; i++ {
				ind := 0.0
				if i == target {
					ind = 1.0
				}
				logits.Grad[i] += (probs[i] - ind) * g
			}
		}
	}
	return out
}

// SoftmaxProbs computes softmax over raw float64 logits (non-differentiable).
func SoftmaxProbs(data []float64) []float64 {
	maxVal := data[0]
	for _, v := range data[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	n := len(data)
	exps := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		exps[i] = math.Exp(data[i] - maxVal)
		total += exps[i]
	}
	probs := make([]float64, n)
	for i := 0; i < n; i++ {
		probs[i] = exps[i] / total
	}
	return probs
}

// ClipParams rescales gradients so their global norm stays under clip.
func ClipParams(params []*Vec, clip float64) {
	if clip <= 0 {
		return
	}
	total := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			total += g * g
		}
	}
	norm := math.Sqrt(total)
	if norm <= clip {
		return
	}
	scale := clip / (norm + 1e-12)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
}

// ZeroGrads clears gradients without touching Adam state.
func ZeroGrads(params []*Vec) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0.0
		}
	}
}

func argmaxFloat(xs []float64) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}
