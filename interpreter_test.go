package main

import (
	"errors"
	"math"
	"testing"
)

// ============================================================
// Interpreter & registry tests
// ============================================================

// smallNetConfig swaps CFG for a tiny architecture so forward passes
// stay cheap, restoring the original config when the test finishes.
func smallNetConfig(t *testing.T) {
	saved := CFG
	t.Cleanup(func() { CFG = saved })
	CFG.ImageSize = 6
	CFG.ModuleDim = 3
	CFG.ModuleKernelSize = 3
	CFG.ModuleResidual = true
	CFG.ModuleMapNorm = false
	CFG.UseCond = false
	CFG.ShareModules = false
	CFG.ShareCond = false
	CFG.StemNumLayers = 1
	CFG.StemKernelSize = 3
	CFG.StemSubsample = nil
	CFG.StemMapNorm = false
	CFG.ClassifierProjDim = 4
	CFG.ClassifierFCDims = nil
	CFG.EvalWorkers = 1
}

func newSmallNet(t *testing.T) *ModuleNet {
	t.Helper()
	m, err := NewModuleNet(BuildVocab())
	if err != nil {
		t.Fatalf("NewModuleNet: %v", err)
	}
	return m
}

func moduleFeat(m *ModuleNet, seed int64) *FeatureMap {
	return randMap(m.ModuleH, m.ModuleW, CFG.ModuleDim, seed)
}

// sqoopTokens encodes <START> And <shape> scene <color> scene <END>.
func sqoopTokens(t *testing.T, v *Vocab, shape, color string) []int {
	t.Helper()
	prog, err := v.EncodeProgram([]string{TokStart, "And", shape, "scene", color, "scene", TokEnd})
	if err != nil {
		t.Fatalf("EncodeProgram: %v", err)
	}
	return prog
}

func TestRegistrySlotsNoSharing(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	// every program token owns a slot: 3 sentinels + scene + And + 8 colors + 7 shapes
	want := 20
	if len(m.Registry.Modules) != want {
		t.Errorf("expected %d module slots, got %d", want, len(m.Registry.Modules))
	}
	for _, op := range []string{"scene", "And", "red", "square"} {
		if _, ok := m.Registry.Resolve(op); !ok {
			t.Errorf("operator %q has no module", op)
		}
	}
}

func TestRegistrySlotsShared(t *testing.T) {
	smallNetConfig(t)
	CFG.ShareModules = true
	m := newSmallNet(t)
	if len(m.Registry.Modules) != 2 {
		t.Fatalf("expected 2 shared slots (unary, binary), got %d", len(m.Registry.Modules))
	}
	red, _ := m.Registry.Resolve("red")
	square, _ := m.Registry.Resolve("square")
	scene, _ := m.Registry.Resolve("scene")
	and, _ := m.Registry.Resolve("And")
	if red != square || red != scene {
		t.Error("unary-class operators should share one module instance")
	}
	if red == and {
		t.Error("binary operator should not share the unary module")
	}
}

func TestCondIDSharing(t *testing.T) {
	smallNetConfig(t)
	CFG.UseCond = true
	CFG.ShareCond = true
	m := newSmallNet(t)
	if m.Registry.NumCond != 2 {
		t.Fatalf("expected 2 shared cond ids, got %d", m.Registry.NumCond)
	}
	redID, _ := m.Registry.CondID("red")
	sceneID, _ := m.Registry.CondID("scene")
	andID, _ := m.Registry.CondID("And")
	if redID != sceneID {
		t.Error("arity-0 scene should share the unary cond id")
	}
	if redID == andID {
		t.Error("unary and binary cond ids should differ")
	}
	if m.Cond == nil || len(m.Cond.Gammas) != 2 {
		t.Error("cond table should hold one gamma per cond id")
	}
}

func TestCondIDPerOperator(t *testing.T) {
	smallNetConfig(t)
	CFG.UseCond = true
	m := newSmallNet(t)
	if m.Registry.NumCond != 20 {
		t.Errorf("expected one cond id per operator, got %d", m.Registry.NumCond)
	}
	seen := map[int]string{}
	for _, op := range m.Vocab.ProgramTokensSorted() {
		id, ok := m.Registry.CondID(op)
		if !ok {
			t.Fatalf("no cond id for %q", op)
		}
		if prev, dup := seen[id]; dup {
			t.Errorf("cond id %d assigned to both %q and %q", id, prev, op)
		}
		seen[id] = op
	}
}

func TestExplicitMatchesTokens(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 21)

	tokens := sqoopTokens(t, m.Vocab, "square", "red")
	explicit := []ProgramNode{
		{Op: "scene"},
		{Op: "square", Inputs: []int{0}},
		{Op: "scene"},
		{Op: "red", Inputs: []int{2}},
		{Op: "And", Inputs: []int{1, 3}},
	}

	fromTokens, err := m.RunPrograms([]*FeatureMap{feat}, TokenPrograms([][]int{tokens}))
	if err != nil {
		t.Fatalf("token eval: %v", err)
	}
	fromExplicit, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{explicit}))
	if err != nil {
		t.Fatalf("explicit eval: %v", err)
	}
	if !mapsEqual(fromTokens[0], fromExplicit[0], 1e-12) {
		t.Error("token and explicit evaluation disagree on the same program")
	}
}

func TestSoftOneHotMatchesTokens(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 22)
	tokens := sqoopTokens(t, m.Vocab, "circle", "blue")

	nOps := len(m.Vocab.ProgramTokenToIdx)
	soft := make([][]float64, len(tokens))
	for j, tok := range tokens {
		row := make([]float64, nOps)
		row[tok] = 1.0
		soft[j] = row
	}

	fromTokens, err := m.RunPrograms([]*FeatureMap{feat}, TokenPrograms([][]int{tokens}))
	if err != nil {
		t.Fatalf("token eval: %v", err)
	}
	fromSoft, err := m.RunPrograms([]*FeatureMap{feat}, SoftPrograms([][][]float64{soft}))
	if err != nil {
		t.Fatalf("soft eval: %v", err)
	}
	if !mapsEqual(fromTokens[0], fromSoft[0], 1e-9) {
		t.Error("one-hot soft program should reduce to token evaluation")
	}
}

func TestNullPaddingReadsScene(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 23)

	redIdx := m.Vocab.ProgramTokenToIdx["red"]
	sceneIdx := m.Vocab.ProgramTokenToIdx["scene"]

	withScene := []int{IdxStart, redIdx, sceneIdx}
	withNull := []int{IdxStart, redIdx, IdxNull}
	truncated := []int{IdxStart, redIdx} // runs out of tokens entirely

	var outs []*FeatureMap
	for _, prog := range [][]int{withScene, withNull, truncated} {
		o, err := m.RunPrograms([]*FeatureMap{feat}, TokenPrograms([][]int{prog}))
		if err != nil {
			t.Fatalf("eval %v: %v", prog, err)
		}
		outs = append(outs, o[0])
	}
	if !mapsEqual(outs[0], outs[1], 1e-12) {
		t.Error("<NULL> argument should read as scene")
	}
	if !mapsEqual(outs[0], outs[2], 1e-12) {
		t.Error("missing argument past the end should read as scene")
	}
}

func TestUsedFnsMask(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 24)
	tokens := sqoopTokens(t, m.Vocab, "bar", "cyan")

	if _, err := m.RunPrograms([]*FeatureMap{feat}, TokenPrograms([][]int{tokens})); err != nil {
		t.Fatalf("eval: %v", err)
	}
	used := m.UsedFns()[0]
	wantUsed := []bool{false, true, true, true, true, true, false} // START and END untouched
	for j, want := range wantUsed {
		if used[j] != want {
			t.Errorf("position %d: used=%v, want %v", j, used[j], want)
		}
	}
}

func TestCaptureOutputs(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 25)
	tokens := sqoopTokens(t, m.Vocab, "cross", "gray")

	m.SetCaptureOutputs(true)
	outs, err := m.RunPrograms([]*FeatureMap{feat}, TokenPrograms([][]int{tokens}))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	captured := m.CapturedOutputs()[0]
	// scene, cross, scene, gray, And
	if len(captured) != 5 {
		t.Fatalf("expected 5 captured nodes, got %d", len(captured))
	}
	for k, rec := range captured {
		if len(rec.Data) != m.ModuleH*m.ModuleW {
			t.Errorf("node %d: captured %d cells, want %d", k, len(rec.Data), m.ModuleH*m.ModuleW)
		}
	}

	// drive a gradient through and check it lands in the capture buffer
	loss := NewScalar(0)
	for _, cell := range outs[0].Cells {
		loss = loss.AddS(cell.MeanSq())
	}
	Backward(loss)
	last := captured[len(captured)-1] // the And node feeds the loss directly
	if last.Grad[0] == nil {
		t.Error("expected gradients captured for the root node")
	}
	m.SetCaptureOutputs(false)
}

func TestBatchOrderSurvivesWorkers(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feats := []*FeatureMap{moduleFeat(m, 31), moduleFeat(m, 32), moduleFeat(m, 33), moduleFeat(m, 34)}
	progs := TokenPrograms([][]int{
		sqoopTokens(t, m.Vocab, "square", "red"),
		sqoopTokens(t, m.Vocab, "circle", "blue"),
		sqoopTokens(t, m.Vocab, "bar", "green"),
		sqoopTokens(t, m.Vocab, "cross", "gray"),
	})

	CFG.EvalWorkers = 1
	serial, err := m.RunPrograms(feats, progs)
	if err != nil {
		t.Fatalf("serial eval: %v", err)
	}
	CFG.EvalWorkers = 4
	parallel, err := m.RunPrograms(feats, progs)
	if err != nil {
		t.Fatalf("parallel eval: %v", err)
	}
	for i := range serial {
		if !mapsEqual(serial[i], parallel[i], 1e-12) {
			t.Errorf("example %d: parallel output differs from serial", i)
		}
	}
}

func TestExplicitChainInvocationOrder(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 29)

	// red(square(scene(feat))): capture must record exactly that order
	chain := []ProgramNode{
		{Op: "scene"},
		{Op: "square", Inputs: []int{0}},
		{Op: "red", Inputs: []int{1}},
	}
	m.SetCaptureOutputs(true)
	defer m.SetCaptureOutputs(false)
	outs, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{chain}))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	captured := m.CapturedOutputs()[0]
	if len(captured) != 3 {
		t.Fatalf("expected 3 captured nodes, got %d", len(captured))
	}

	// last node's raw output is the program result
	final := outs[0].CloneData()
	last := captured[2].Data
	for i := range final {
		for j := range final[i] {
			if final[i][j] != last[i][j] {
				t.Fatal("final capture does not match program output")
			}
		}
	}
	// and it really is red applied to square's output
	sq, _ := m.Registry.Resolve("square")
	red, _ := m.Registry.Resolve("red")
	scene, _ := m.Registry.Resolve("scene")
	want := red.Forward([]*FeatureMap{sq.Forward([]*FeatureMap{scene.Forward([]*FeatureMap{feat})})})
	if !mapsEqual(want, outs[0], 1e-12) {
		t.Error("chain program does not compose red(square(scene(feat)))")
	}
}

func TestSharedModuleWeightsCouple(t *testing.T) {
	smallNetConfig(t)
	CFG.ShareModules = true
	m := newSmallNet(t)
	feat := moduleFeat(m, 30)

	redProg := []ProgramNode{{Op: "scene"}, {Op: "red", Inputs: []int{0}}}
	before, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{redProg}))
	if err != nil {
		t.Fatal(err)
	}

	// nudging square's weights must change red's output: one shared module
	square, _ := m.Registry.Resolve("square")
	square.Params()[0].Data[0] += 1.0

	after, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{redProg}))
	if err != nil {
		t.Fatal(err)
	}
	if mapsEqual(before[0], after[0], 1e-12) {
		t.Error("mutating a shared module's weights did not affect its sibling operator")
	}
}

func TestUnknownOperatorError(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 26)
	explicit := []ProgramNode{{Op: "scene"}, {Op: "teleport", Inputs: []int{0}}}
	_, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{explicit}))
	var uerr *UnknownOperatorError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownOperatorError, got %v", err)
	}
	if uerr.Op != "teleport" || uerr.Pos != 1 {
		t.Errorf("error context wrong: %+v", uerr)
	}
}

func TestArityMismatchError(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 27)
	explicit := []ProgramNode{{Op: "scene"}, {Op: "And", Inputs: []int{0}}}
	_, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{explicit}))
	var aerr *ArityMismatchError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected ArityMismatchError, got %v", err)
	}
	if aerr.Want != 2 || aerr.Got != 1 {
		t.Errorf("error context wrong: %+v", aerr)
	}
}

func TestProgramFormatErrors(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	feat := moduleFeat(m, 28)

	// forward reference
	explicit := []ProgramNode{{Op: "scene"}, {Op: "red", Inputs: []int{5}}}
	_, err := m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{explicit}))
	var ferr *ProgramFormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ProgramFormatError for bad input index, got %v", err)
	}

	// empty program
	_, err = m.RunPrograms([]*FeatureMap{feat}, ExplicitPrograms([][]ProgramNode{{}}))
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ProgramFormatError for empty program, got %v", err)
	}

	// unrecognized representation
	_, err = ProgramBatchFromAny("not a program")
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ProgramFormatError from ProgramBatchFromAny, got %v", err)
	}
}

func TestConfigurationErrorBadArity(t *testing.T) {
	smallNetConfig(t)
	v := BuildVocab()
	v.ProgramTokenArity["And"] = 3
	_, err := NewModuleRegistry(v, 3, 3, true, false, false, SharingPolicy{})
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cerr.Op != "And" || cerr.Arity != 3 {
		t.Errorf("error context wrong: %+v", cerr)
	}
}

func TestForwardProducesLogits(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	img := randMap(CFG.ImageSize, CFG.ImageSize, 3, 41)
	tokens := sqoopTokens(t, m.Vocab, "triangle", "purple")
	logits, err := m.Forward([]*FeatureMap{img}, TokenPrograms([][]int{tokens}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits) != 1 || len(logits[0].Data) != 2 {
		t.Fatalf("expected one 2-way logit vector, got %d x %d", len(logits), len(logits[0].Data))
	}
	for _, v := range logits[0].Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("non-finite logit: %v", logits[0].Data)
		}
	}
}

func TestExpandAnswerVocab(t *testing.T) {
	smallNetConfig(t)
	m := newSmallNet(t)
	m.ExpandAnswerVocab(map[string]int{"maybe": 2}, 0.01, -50)
	if m.Vocab.NumAnswers() != 3 {
		t.Errorf("expected 3 answers, got %d", m.Vocab.NumAnswers())
	}
	tok, ok := m.Vocab.AnswerToken(2)
	if !ok || tok != "maybe" {
		t.Errorf("expected answer 2 = maybe, got %q ok=%v", tok, ok)
	}
	img := randMap(CFG.ImageSize, CFG.ImageSize, 3, 42)
	tokens := sqoopTokens(t, m.Vocab, "square", "brown")
	logits, err := m.Forward([]*FeatureMap{img}, TokenPrograms([][]int{tokens}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits[0].Data) != 3 {
		t.Fatalf("expected 3 logits after expand, got %d", len(logits[0].Data))
	}
	if logits[0].Data[2] > -10 {
		t.Errorf("new answer logit not suppressed: %v", logits[0].Data[2])
	}
}
