package main

import "math"

// ============================================================
// 5) FEATURE MAPS & MODULE FAMILIES — the sacred blocks
// ============================================================

// FeatureMap is an H×W grid of channel vectors. Cell (y, x) lives at
// Cells[y*W+x]; every cell has the same channel count. Convolutions,
// norms and FiLM all run cell-wise through the autograd graph.
type FeatureMap struct {
	H, W  int
	Cells []*Vec
}

func NewFeatureMap(h, w, channels int) *FeatureMap {
	cells := make([]*Vec, h*w)
	for i := range cells {
		cells[i] = NewVecZero(channels)
	}
	return &FeatureMap{H: h, W: w, Cells: cells}
}

func (f *FeatureMap) At(y, x int) *Vec {
	return f.Cells[y*f.W+x]
}

func (f *FeatureMap) Channels() int {
	if len(f.Cells) == 0 {
		return 0
	}
	return len(f.Cells[0].Data)
}

// CloneData returns a detached copy of the map's values (introspection).
func (f *FeatureMap) CloneData() [][]float64 {
	out := make([][]float64, len(f.Cells))
	for i, c := range f.Cells {
		out[i] = make([]float64, len(c.Data))
		copy(out[i], c.Data)
	}
	return out
}

// concatMaps joins two maps channel-wise, cell by cell.
func concatMaps(a, b *FeatureMap) *FeatureMap {
	out := &FeatureMap{H: a.H, W: a.W, Cells: make([]*Vec, len(a.Cells))}
	for i := range a.Cells {
		out.Cells[i] = Concat([]*Vec{a.Cells[i], b.Cells[i]})
	}
	return out
}

// ConvParam is a same-padded k×k convolution: weight (cout, k*k*cin)
// plus bias. Each output cell is Matvec over the gathered patch, so the
// whole thing rides the existing autograd ops.
type ConvParam struct {
	W    *MatrixParam
	B    *Vec
	K    int
	Cin  int
	Cout int
}

func NewConvParam(cin, cout, k int) *ConvParam {
	return &ConvParam{
		W:    NewMatrixParamKaiming(cout, k*k*cin),
		B:    NewVecZero(cout),
		K:    k,
		Cin:  cin,
		Cout: cout,
	}
}

func (c *ConvParam) Forward(fm *FeatureMap) *FeatureMap {
	r := c.K / 2
	zero := NewVecZero(c.Cin)
	out := &FeatureMap{H: fm.H, W: fm.W, Cells: make([]*Vec, len(fm.Cells))}
	patch := make([]*Vec, 0, c.K*c.K)
	for y := 0; y < fm.H; y++ {
		for x := 0; x < fm.W; x++ {
			patch = patch[:0]
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= fm.H || xx < 0 || xx >= fm.W {
						patch = append(patch, zero)
					} else {
						patch = append(patch, fm.At(yy, xx))
					}
				}
			}
			out.Cells[y*fm.W+x] = c.W.Matvec(Concat(patch)).Add(c.B)
		}
	}
	return out
}

func (c *ConvParam) Params() []*Vec {
	return append(c.W.Params(), c.B)
}

// subsample2 keeps every second cell in both directions (stride-2 pick).
func subsample2(fm *FeatureMap) *FeatureMap {
	h := (fm.H + 1) / 2
	w := (fm.W + 1) / 2
	out := &FeatureMap{H: h, W: w, Cells: make([]*Vec, h*w)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Cells[y*w+x] = fm.At(y*2, x*2)
		}
	}
	return out
}

// maxPool2 takes the element-wise max over 2×2 blocks (partial blocks
// at odd edges use whatever cells exist).
func maxPool2(fm *FeatureMap) *FeatureMap {
	h := (fm.H + 1) / 2
	w := (fm.W + 1) / 2
	out := &FeatureMap{H: h, W: w, Cells: make([]*Vec, h*w)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			block := make([]*Vec, 0, 4)
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					yy, xx := y*2+dy, x*2+dx
					if yy < fm.H && xx < fm.W {
						block = append(block, fm.At(yy, xx))
					}
				}
			}
			out.Cells[y*w+x] = MaxVecs(block)
		}
	}
	return out
}

// flattenMap concatenates all cells into one long vector.
func flattenMap(fm *FeatureMap) *Vec {
	return Concat(fm.Cells)
}

// MapNorm normalizes each channel by its RMS across the spatial map
// (per-example stand-in for batchnorm; affine optional, off for the
// FiLM path where gamma/beta arrive from the conditioning table).
type MapNorm struct {
	Affine bool
	Gamma  *Vec
	Beta   *Vec
}

func NewMapNorm(dim int, affine bool) *MapNorm {
	n := &MapNorm{Affine: affine}
	if affine {
		g := make([]float64, dim)
		for i := range g {
			g[i] = 1.0
		}
		n.Gamma = NewVec(g)
		n.Beta = NewVecZero(dim)
	}
	return n
}

func (n *MapNorm) Forward(fm *FeatureMap) *FeatureMap {
	// per-channel mean square over all cells
	sumSq := fm.Cells[0].MulVec(fm.Cells[0])
	for _, c := range fm.Cells[1:] {
		sumSq = sumSq.Add(c.MulVec(c))
	}
	inv := sumSq.Scale(1.0 / float64(len(fm.Cells))).RSqrtEps(1e-5)

	out := &FeatureMap{H: fm.H, W: fm.W, Cells: make([]*Vec, len(fm.Cells))}
	for i, c := range fm.Cells {
		cell := c.MulVec(inv)
		if n.Affine {
			cell = cell.MulVec(n.Gamma).Add(n.Beta)
		}
		out.Cells[i] = cell
	}
	return out
}

func (n *MapNorm) Params() []*Vec {
	if !n.Affine {
		return nil
	}
	return []*Vec{n.Gamma, n.Beta}
}

// film applies gamma * x + beta per cell (channel-wise).
func film(fm *FeatureMap, gamma, beta *Vec) *FeatureMap {
	out := &FeatureMap{H: fm.H, W: fm.W, Cells: make([]*Vec, len(fm.Cells))}
	for i, c := range fm.Cells {
		out.Cells[i] = c.MulVec(gamma).Add(beta)
	}
	return out
}

// reluMap applies ReLU cell-wise.
func reluMap(fm *FeatureMap) *FeatureMap {
	out := &FeatureMap{H: fm.H, W: fm.W, Cells: make([]*Vec, len(fm.Cells))}
	for i, c := range fm.Cells {
		out.Cells[i] = c.ReLU()
	}
	return out
}

// addMaps adds two maps cell-wise (residual connections).
func addMaps(a, b *FeatureMap) *FeatureMap {
	out := &FeatureMap{H: a.H, W: a.W, Cells: make([]*Vec, len(a.Cells))}
	for i := range a.Cells {
		out.Cells[i] = a.Cells[i].Add(b.Cells[i])
	}
	return out
}

// Module is one learned operator implementation. The registry owns
// module instances; the interpreter invokes them.
type Module interface {
	Forward(inputs []*FeatureMap) *FeatureMap
	NumInputs() int
	Params() []*Vec
}

// CondModule is the capability interface for FiLM-conditioned modules:
// a conditioned forward taking the (scale, shift) pair resolved from
// the conditioning table.
type CondModule interface {
	Module
	ForwardCond(inputs []*FeatureMap, gamma, beta *Vec) *FeatureMap
}

// ResidualBlock is the plain unary module family (also serves the
// 0-arity scene root, which passes the feature map straight in):
// conv → [norm] → relu → conv → [norm], plus residual, final relu.
type ResidualBlock struct {
	Conv1, Conv2 *ConvParam
	Norm1, Norm2 *MapNorm
	Residual     bool
}

func NewResidualBlock(dim, kernel int, residual, withNorm bool) *ResidualBlock {
	b := &ResidualBlock{
		Conv1:    NewConvParam(dim, dim, kernel),
		Conv2:    NewConvParam(dim, dim, kernel),
		Residual: residual,
	}
	if withNorm {
		b.Norm1 = NewMapNorm(dim, true)
		b.Norm2 = NewMapNorm(dim, true)
	}
	return b
}

func (b *ResidualBlock) NumInputs() int { return 1 }

func (b *ResidualBlock) Forward(inputs []*FeatureMap) *FeatureMap {
	x := inputs[0]
	h := b.Conv1.Forward(x)
	if b.Norm1 != nil {
		h = b.Norm1.Forward(h)
	}
	h = reluMap(h)
	h = b.Conv2.Forward(h)
	if b.Norm2 != nil {
		h = b.Norm2.Forward(h)
	}
	if b.Residual {
		h = addMaps(h, x)
	}
	return reluMap(h)
}

func (b *ResidualBlock) Params() []*Vec {
	ps := append(b.Conv1.Params(), b.Conv2.Params()...)
	if b.Norm1 != nil {
		ps = append(ps, b.Norm1.Params()...)
		ps = append(ps, b.Norm2.Params()...)
	}
	return ps
}

// ConcatBlock is the plain binary family: 1×1 projection of the
// channel-concat of both inputs, then a residual block body.
type ConcatBlock struct {
	Proj *ConvParam
	Res  *ResidualBlock
}

func NewConcatBlock(dim, kernel int, residual, withNorm bool) *ConcatBlock {
	return &ConcatBlock{
		Proj: NewConvParam(2*dim, dim, 1),
		Res:  NewResidualBlock(dim, kernel, residual, withNorm),
	}
}

func (b *ConcatBlock) NumInputs() int { return 2 }

func (b *ConcatBlock) Forward(inputs []*FeatureMap) *FeatureMap {
	h := b.Proj.Forward(concatMaps(inputs[0], inputs[1]))
	return b.Res.Forward([]*FeatureMap{h})
}

func (b *ConcatBlock) Params() []*Vec {
	return append(b.Proj.Params(), b.Res.Params()...)
}

// FiLMedResBlock is the conditioned unary family:
// 1×1 input proj → relu → conv → norm (no affine) → FiLM → relu → +x.
type FiLMedResBlock struct {
	Proj     *ConvParam
	Conv     *ConvParam
	Norm     *MapNorm
	Residual bool
}

func NewFiLMedResBlock(dim, kernel int, residual bool) *FiLMedResBlock {
	return &FiLMedResBlock{
		Proj:     NewConvParam(dim, dim, 1),
		Conv:     NewConvParam(dim, dim, kernel),
		Norm:     NewMapNorm(dim, false),
		Residual: residual,
	}
}

func (b *FiLMedResBlock) NumInputs() int { return 1 }

func (b *FiLMedResBlock) ForwardCond(inputs []*FeatureMap, gamma, beta *Vec) *FeatureMap {
	x := inputs[0]
	h := reluMap(b.Proj.Forward(x))
	h = b.Conv.Forward(h)
	h = b.Norm.Forward(h)
	h = reluMap(film(h, gamma, beta))
	if b.Residual {
		h = addMaps(h, x)
	}
	return h
}

// Forward without conditioning uses identity FiLM (gamma=1, beta=0).
func (b *FiLMedResBlock) Forward(inputs []*FeatureMap) *FeatureMap {
	dim := inputs[0].Channels()
	ones := make([]float64, dim)
	for i := range ones {
		ones[i] = 1.0
	}
	return b.ForwardCond(inputs, NewVec(ones), NewVecZero(dim))
}

func (b *FiLMedResBlock) Params() []*Vec {
	return append(b.Proj.Params(), b.Conv.Params()...)
}

// ConcatFiLMedResBlock is the conditioned binary family: channel-concat
// projection, then the FiLMed body.
type ConcatFiLMedResBlock struct {
	Proj *ConvParam
	Body *FiLMedResBlock
}

func NewConcatFiLMedResBlock(dim, kernel int, residual bool) *ConcatFiLMedResBlock {
	return &ConcatFiLMedResBlock{
		Proj: NewConvParam(2*dim, dim, 1),
		Body: NewFiLMedResBlock(dim, kernel, residual),
	}
}

func (b *ConcatFiLMedResBlock) NumInputs() int { return 2 }

func (b *ConcatFiLMedResBlock) ForwardCond(inputs []*FeatureMap, gamma, beta *Vec) *FeatureMap {
	h := b.Proj.Forward(concatMaps(inputs[0], inputs[1]))
	return b.Body.ForwardCond([]*FeatureMap{h}, gamma, beta)
}

func (b *ConcatFiLMedResBlock) Forward(inputs []*FeatureMap) *FeatureMap {
	h := b.Proj.Forward(concatMaps(inputs[0], inputs[1]))
	return b.Body.Forward([]*FeatureMap{h})
}

func (b *ConcatFiLMedResBlock) Params() []*Vec {
	return append(b.Proj.Params(), b.Body.Params()...)
}

// ============================================================
// 6) STEM & CLASSIFIER — the fixed bread around the sandwich
// ============================================================

// Stem lifts the RGB image into module space: numLayers convs with
// relu, optional norm, optional stride-2 subsampling per layer.
type Stem struct {
	Convs     []*ConvParam
	Norms     []*MapNorm
	Subsample []bool
}

func NewStem(inChannels, dim, numLayers, kernel int, subsampleLayers []int, withNorm bool) *Stem {
	sub := make([]bool, numLayers)
	for _, l := range subsampleLayers {
		if l >= 0 && l < numLayers {
			sub[l] = true
		}
	}
	s := &Stem{Subsample: sub}
	cin := inChannels
	for i := 0; i < numLayers; i++ {
		s.Convs = append(s.Convs, NewConvParam(cin, dim, kernel))
		if withNorm {
			s.Norms = append(s.Norms, NewMapNorm(dim, true))
		} else {
			s.Norms = append(s.Norms, nil)
		}
		cin = dim
	}
	return s
}

func (s *Stem) Forward(img *FeatureMap) *FeatureMap {
	h := img
	for i, conv := range s.Convs {
		h = conv.Forward(h)
		if s.Norms[i] != nil {
			h = s.Norms[i].Forward(h)
		}
		h = reluMap(h)
		if s.Subsample[i] {
			h = subsample2(h)
		}
	}
	return h
}

// OutputSize computes the spatial size the stem produces for a given
// input (the classifier needs it to size its flatten).
func (s *Stem) OutputSize(h, w int) (int, int) {
	for i := range s.Convs {
		if s.Subsample[i] {
			h = (h + 1) / 2
			w = (w + 1) / 2
		}
	}
	return h, w
}

func (s *Stem) Params() []*Vec {
	var ps []*Vec
	for i, c := range s.Convs {
		ps = append(ps, c.Params()...)
		if s.Norms[i] != nil {
			ps = append(ps, s.Norms[i].Params()...)
		}
	}
	return ps
}

// Classifier turns the interpreter's final feature map into answer
// logits: 1×1 proj → relu → maxpool2 → flatten → FC stack → linear.
type Classifier struct {
	Proj    *ConvParam
	Hidden  []*MatrixParam
	HiddenB []*Vec
	Final   *MatrixParam
	FinalB  *Vec
}

func NewClassifier(dim, projDim, moduleH, moduleW int, fcDims []int, numAnswers int) *Classifier {
	c := &Classifier{Proj: NewConvParam(dim, projDim, 1)}
	flat := projDim * ((moduleH + 1) / 2) * ((moduleW + 1) / 2)
	in := flat
	for _, d := range fcDims {
		c.Hidden = append(c.Hidden, NewMatrixParamKaiming(d, in))
		c.HiddenB = append(c.HiddenB, NewVecZero(d))
		in = d
	}
	c.Final = NewMatrixParam(numAnswers, in, 1.0/math.Sqrt(float64(in)))
	c.FinalB = NewVecZero(numAnswers)
	return c
}

func (c *Classifier) Forward(fm *FeatureMap) *Vec {
	h := reluMap(c.Proj.Forward(fm))
	x := flattenMap(maxPool2(h))
	for i, fc := range c.Hidden {
		x = fc.Matvec(x).Add(c.HiddenB[i]).ReLU()
	}
	return c.Final.Matvec(x).Add(c.FinalB)
}

// ExpandAnswers grows the final linear layer to newN rows, preserving
// every trained row. New rows get small random weights and a strongly
// negative bias so unseen classes stay improbable until trained.
func (c *Classifier) ExpandAnswers(newN int, std, initB float64) {
	oldN := c.Final.Nout
	if newN <= oldN {
		return
	}
	c.Final.GrowRows(newN, std)
	for i := oldN; i < newN; i++ {
		c.FinalB.Data = append(c.FinalB.Data, initB)
		c.FinalB.Grad = append(c.FinalB.Grad, 0.0)
	}
}

func (c *Classifier) Params() []*Vec {
	ps := c.Proj.Params()
	for i, fc := range c.Hidden {
		ps = append(ps, fc.Params()...)
		ps = append(ps, c.HiddenB[i])
	}
	ps = append(ps, c.Final.Params()...)
	ps = append(ps, c.FinalB)
	return ps
}
