package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"
)

// ============================================================
// 12) TRAINING — Adam, clipped grads, linear LR decay
// ============================================================

func batchForward(m *ModuleNet, batch []*Example) ([]*Vec, error) {
	feats := make([]*FeatureMap, len(batch))
	progs := make([][]int, len(batch))
	for i, ex := range batch {
		feats[i] = ex.FeatureMap()
		progs[i] = ex.Program
	}
	return m.Forward(feats, TokenPrograms(progs))
}

// TrainModel runs the full optimization loop: sample a batch, forward,
// mean cross-entropy, backward, clip, per-group Adam step. Checkpoints
// and validation accuracy land on their configured cadence.
func TrainModel(store *Store, m *ModuleNet) error {
	runID, err := store.BeginRun(&CFG)
	if err != nil {
		return err
	}
	fmt.Printf("[train] run %s: %d steps, batch %d, lr %g\n",
		runID, CFG.Steps, CFG.BatchSize, CFG.LearningRate)

	rng := rand.New(rand.NewSource(CFG.Seed))
	start := time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	for step := 1; step <= CFG.Steps; step++ {
		select {
		case <-stop:
			fmt.Printf("[train] interrupted at step %d, saving checkpoint\n", step)
			return SaveCheckpoint(CFG.CkptPath, m)
		default:
		}

		batch, err := store.SampleBatch("train", CFG.BatchSize, rng)
		if err != nil {
			return err
		}

		gradEnabled.Store(true)
		logits, err := batchForward(m, batch)
		if err != nil {
			return err
		}
		loss := NewScalar(0)
		correct := 0
		for i, lg := range logits {
			loss = loss.AddS(CrossEntropyLoss(lg, batch[i].Answer))
			if argmaxFloat(lg.Data) == batch[i].Answer {
				correct++
			}
		}
		loss = loss.MulF(1.0 / float64(len(batch)))

		params := m.AllParams()
		ZeroGrads(params)
		Backward(loss)
		ClipParams(params, CFG.GradClip)

		lr := CFG.LearningRate * (1.0 - float64(step)/float64(CFG.Steps+1))
		m.Lock()
		for _, g := range m.ParamGroups() {
			m.AdamStep(g.Params, g.Name, lr)
		}
		m.Unlock()

		if step%50 == 0 || step == 1 {
			elapsed := time.Since(start).Seconds()
			fmt.Printf("[train] step %d/%d loss=%.4f acc=%.3f lr=%.5f (%.1f ex/s)\n",
				step, CFG.Steps, loss.Data, float64(correct)/float64(len(batch)),
				lr, float64(step*CFG.BatchSize)/elapsed)
		}

		valAcc := -1.0
		if CFG.EvalEvery > 0 && step%CFG.EvalEvery == 0 {
			valAcc, err = EvalSplit(store, m, "val", CFG.EvalLimit)
			if err != nil {
				return err
			}
			fmt.Printf("[train] step %d val accuracy %.4f\n", step, valAcc)
		}
		if err := store.LogStep(runID, step, loss.Data, valAcc, lr); err != nil {
			return err
		}

		if CFG.CkptEvery > 0 && step%CFG.CkptEvery == 0 {
			if err := SaveCheckpoint(CFG.CkptPath, m); err != nil {
				return err
			}
			fmt.Printf("[train] step %d checkpoint -> %s\n", step, CFG.CkptPath)
		}
	}

	if err := SaveCheckpoint(CFG.CkptPath, m); err != nil {
		return err
	}
	fmt.Printf("[train] done, final checkpoint -> %s\n", CFG.CkptPath)
	return nil
}

// EvalSplit measures accuracy over at most limit examples of a split
// (limit <= 0 means the whole split). Inference only, no graph.
func EvalSplit(store *Store, m *ModuleNet, split string, limit int) (float64, error) {
	total, err := store.CountExamples(split)
	if err != nil {
		return 0, err
	}
	if limit > 0 && limit < total {
		total = limit
	}
	if total == 0 {
		return 0, fmt.Errorf("split %q is empty", split)
	}

	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	correct := 0
	for offset := 0; offset < total; offset += CFG.BatchSize {
		n := CFG.BatchSize
		if offset+n > total {
			n = total - offset
		}
		batch, err := store.LoadRange(split, offset, n)
		if err != nil {
			return 0, err
		}
		logits, err := batchForward(m, batch)
		if err != nil {
			return 0, err
		}
		for i, lg := range logits {
			if argmaxFloat(lg.Data) == batch[i].Answer {
				correct++
			}
		}
	}
	return float64(correct) / float64(total), nil
}
