package main

import (
	"math"
	"math/rand"
	"testing"
)

// ============================================================
// Feature map & module family tests
// ============================================================

func randMap(h, w, c int, seed int64) *FeatureMap {
	rng := rand.New(rand.NewSource(seed))
	fm := NewFeatureMap(h, w, c)
	for i := range fm.Cells {
		d := make([]float64, c)
		for j := range d {
			d[j] = rng.NormFloat64()
		}
		fm.Cells[i] = NewVec(d)
	}
	return fm
}

func mapsEqual(a, b *FeatureMap, tol float64) bool {
	if a.H != b.H || a.W != b.W || len(a.Cells) != len(b.Cells) {
		return false
	}
	for i := range a.Cells {
		for j := range a.Cells[i].Data {
			if math.Abs(a.Cells[i].Data[j]-b.Cells[i].Data[j]) > tol {
				return false
			}
		}
	}
	return true
}

func TestConvForwardShape(t *testing.T) {
	conv := NewConvParam(2, 3, 3)
	fm := randMap(4, 5, 2, 1)
	out := conv.Forward(fm)
	if out.H != 4 || out.W != 5 {
		t.Errorf("expected 4x5 output, got %dx%d", out.H, out.W)
	}
	if out.Channels() != 3 {
		t.Errorf("expected 3 channels, got %d", out.Channels())
	}
}

func TestConv1x1IsPerCell(t *testing.T) {
	conv := NewConvParam(2, 2, 1)
	fm := randMap(3, 3, 2, 2)
	out := conv.Forward(fm)
	// a 1x1 conv of cell (y,x) must equal W @ cell + b, no neighbors
	cell := fm.At(1, 1)
	want := conv.W.Matvec(cell).Add(conv.B)
	got := out.At(1, 1)
	for j := range want.Data {
		if math.Abs(want.Data[j]-got.Data[j]) > 1e-12 {
			t.Errorf("1x1 conv mixed neighbors: want %v, got %v", want.Data, got.Data)
			break
		}
	}
}

func TestFiLMIdentity(t *testing.T) {
	fm := randMap(2, 2, 3, 3)
	ones := NewVec([]float64{1, 1, 1})
	zeros := NewVecZero(3)
	out := film(fm, ones, zeros)
	if !mapsEqual(fm, out, 1e-12) {
		t.Error("identity FiLM changed the map")
	}
}

func TestMapNormUnitRMS(t *testing.T) {
	n := NewMapNorm(2, false)
	fm := randMap(3, 3, 2, 4)
	out := n.Forward(fm)
	for c := 0; c < 2; c++ {
		sumSq := 0.0
		for _, cell := range out.Cells {
			sumSq += cell.Data[c] * cell.Data[c]
		}
		rms := math.Sqrt(sumSq / float64(len(out.Cells)))
		if math.Abs(rms-1.0) > 1e-3 {
			t.Errorf("channel %d: expected unit RMS, got %v", c, rms)
		}
	}
}

func TestMaxPoolHalves(t *testing.T) {
	fm := randMap(4, 6, 2, 5)
	out := maxPool2(fm)
	if out.H != 2 || out.W != 3 {
		t.Errorf("expected 2x3, got %dx%d", out.H, out.W)
	}
	// block (0,0) covers cells (0,0) (0,1) (1,0) (1,1)
	for c := 0; c < 2; c++ {
		want := math.Max(math.Max(fm.At(0, 0).Data[c], fm.At(0, 1).Data[c]),
			math.Max(fm.At(1, 0).Data[c], fm.At(1, 1).Data[c]))
		if out.At(0, 0).Data[c] != want {
			t.Errorf("channel %d: expected max %v, got %v", c, want, out.At(0, 0).Data[c])
		}
	}
}

func TestSubsampleOddSize(t *testing.T) {
	fm := randMap(5, 5, 1, 6)
	out := subsample2(fm)
	if out.H != 3 || out.W != 3 {
		t.Errorf("expected 3x3, got %dx%d", out.H, out.W)
	}
	if out.At(1, 2).Data[0] != fm.At(2, 4).Data[0] {
		t.Error("subsample picked the wrong cell")
	}
}

func TestResidualBlockShape(t *testing.T) {
	b := NewResidualBlock(3, 3, true, true)
	fm := randMap(4, 4, 3, 7)
	out := b.Forward([]*FeatureMap{fm})
	if out.H != 4 || out.W != 4 || out.Channels() != 3 {
		t.Errorf("expected 4x4x3, got %dx%dx%d", out.H, out.W, out.Channels())
	}
	if b.NumInputs() != 1 {
		t.Errorf("expected 1 input, got %d", b.NumInputs())
	}
}

func TestConcatBlockShape(t *testing.T) {
	b := NewConcatBlock(3, 3, true, false)
	a := randMap(4, 4, 3, 8)
	c := randMap(4, 4, 3, 9)
	out := b.Forward([]*FeatureMap{a, c})
	if out.Channels() != 3 {
		t.Errorf("expected 3 channels after concat+proj, got %d", out.Channels())
	}
	if b.NumInputs() != 2 {
		t.Errorf("expected 2 inputs, got %d", b.NumInputs())
	}
}

func TestFiLMedBlockPlainForwardIsIdentityCond(t *testing.T) {
	b := NewFiLMedResBlock(3, 3, true)
	fm := randMap(3, 3, 3, 10)
	ones := NewVec([]float64{1, 1, 1})
	zeros := NewVecZero(3)
	want := b.ForwardCond([]*FeatureMap{fm}, ones, zeros)
	got := b.Forward([]*FeatureMap{fm})
	if !mapsEqual(want, got, 1e-12) {
		t.Error("plain Forward should equal ForwardCond with identity gamma/beta")
	}
}

func TestStemOutputSize(t *testing.T) {
	s := NewStem(3, 4, 2, 3, []int{0, 1}, false)
	h, w := s.OutputSize(64, 64)
	if h != 16 || w != 16 {
		t.Errorf("expected 16x16 after two subsamples, got %dx%d", h, w)
	}
	img := randMap(8, 8, 3, 11)
	out := s.Forward(img)
	if out.H != 2 || out.W != 2 || out.Channels() != 4 {
		t.Errorf("expected 2x2x4, got %dx%dx%d", out.H, out.W, out.Channels())
	}
}

func TestClassifierExpandAnswers(t *testing.T) {
	c := NewClassifier(3, 4, 2, 2, nil, 2)
	fm := randMap(2, 2, 3, 12)
	before := c.Forward(fm)
	if len(before.Data) != 2 {
		t.Fatalf("expected 2 logits, got %d", len(before.Data))
	}

	c.ExpandAnswers(4, 0.01, -50)
	after := c.Forward(fm)
	if len(after.Data) != 4 {
		t.Fatalf("expected 4 logits after expand, got %d", len(after.Data))
	}
	// old answers keep their learned logits
	for i := 0; i < 2; i++ {
		if math.Abs(before.Data[i]-after.Data[i]) > 1e-9 {
			t.Errorf("logit %d changed after expand: %v -> %v", i, before.Data[i], after.Data[i])
		}
	}
	// new answers start heavily suppressed
	for i := 2; i < 4; i++ {
		if after.Data[i] > -10 {
			t.Errorf("new logit %d not suppressed: %v", i, after.Data[i])
		}
	}
}
