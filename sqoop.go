package main

// SQOOP: a tiny visual question answering organism.
// It draws colored shapes, asks itself whether a red thing lurks near a
// triangle, and wires a fresh little network for every question it sees.
// Programs in, modules out. No tensors were harmed beyond necessity.

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

// ============================================================
// 0) CONFIG — bend reality here (carefully, mortals)
// ============================================================

type Config struct {
	// data
	DBPath        string `json:"db_path"`
	VocabPath     string `json:"vocab_path"`
	CkptPath      string `json:"ckpt_path"`
	Split         string `json:"split"`
	RestrictScene bool   `json:"restrict_scene"`
	TrainN        int    `json:"train_n"`
	ValN          int    `json:"val_n"`
	TestN         int    `json:"test_n"`
	ImageSize     int    `json:"image_size"`
	NumObjects    int    `json:"num_objects"`

	// modules
	ModuleDim        int  `json:"module_dim"`
	ModuleKernelSize int  `json:"module_kernel_size"`
	ModuleResidual   bool `json:"module_residual"`
	ModuleMapNorm    bool `json:"module_map_norm"`
	UseCond          bool `json:"use_cond"`
	ShareModules     bool `json:"share_modules"`
	ShareCond        bool `json:"share_cond"`

	// stem & classifier
	StemNumLayers     int   `json:"stem_num_layers"`
	StemKernelSize    int   `json:"stem_kernel_size"`
	StemSubsample     []int `json:"stem_subsample_layers"`
	StemMapNorm       bool  `json:"stem_map_norm"`
	ClassifierProjDim int   `json:"classifier_proj_dim"`
	ClassifierFCDims  []int `json:"classifier_fc_dims"`

	// training
	Steps        int     `json:"steps"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	EpsAdam      float64 `json:"eps_adam"`
	GradClip     float64 `json:"grad_clip"`
	EvalEvery    int     `json:"eval_every"`
	CkptEvery    int     `json:"ckpt_every"`
	EvalLimit    int     `json:"eval_limit"`
	EvalWorkers  int     `json:"eval_workers"`
	Seed         int64   `json:"seed"`
}

var CFG = Config{
	DBPath:        "sqoop.sqlite3",
	VocabPath:     "vocab.json",
	CkptPath:      "sqoop_ckpt.json",
	Split:         "none",
	RestrictScene: false,
	TrainN:        10000,
	ValN:          1000,
	TestN:         1000,
	ImageSize:     50,
	NumObjects:    5,

	ModuleDim:        32,
	ModuleKernelSize: 3,
	ModuleResidual:   true,
	ModuleMapNorm:    true,
	UseCond:          false,
	ShareModules:     false,
	ShareCond:        false,

	StemNumLayers:     2,
	StemKernelSize:    3,
	StemSubsample:     []int{0, 1},
	StemMapNorm:       true,
	ClassifierProjDim: 64,
	ClassifierFCDims:  []int{256},

	Steps:        5000,
	BatchSize:    16,
	LearningRate: 1e-4,
	Beta1:        0.9,
	Beta2:        0.999,
	EpsAdam:      1e-8,
	GradClip:     5.0,
	EvalEvery:    500,
	CkptEvery:    1000,
	EvalLimit:    500,
	EvalWorkers:  4,
	Seed:         42,
}

// parseCLIArgs parses the mode (first bare arg) and --config/--db/--ckpt/
// --split/--restrict-scene/--steps/--seed overrides from os.Args.
func parseCLIArgs() (mode string, configPath string) {
	for i := 1; i < len(os.Args); i++ {
		switch arg := os.Args[i]; {
		case arg == "--config" && i+1 < len(os.Args):
			configPath = os.Args[i+1]
			i++
		case arg == "--db" && i+1 < len(os.Args):
			CFG.DBPath = os.Args[i+1]
			i++
		case arg == "--ckpt" && i+1 < len(os.Args):
			CFG.CkptPath = os.Args[i+1]
			i++
		case arg == "--split" && i+1 < len(os.Args):
			CFG.Split = os.Args[i+1]
			i++
		case arg == "--restrict-scene":
			CFG.RestrictScene = true
		case arg == "--steps" && i+1 < len(os.Args):
			if n, err := strconv.Atoi(os.Args[i+1]); err == nil {
				CFG.Steps = n
			}
			i++
		case arg == "--seed" && i+1 < len(os.Args):
			if n, err := strconv.ParseInt(os.Args[i+1], 10, 64); err == nil {
				CFG.Seed = n
			}
			i++
		case !strings.HasPrefix(arg, "--") && mode == "":
			mode = arg
		}
	}
	return
}

func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &CFG)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sqoop <mode> [flags]

modes:
  generate   build the dataset (train/val/test splits) into sqlite
  train      train a module network on the train split
  eval       measure checkpoint accuracy on a split
  ask        interactive questions against a fresh scene

flags:
  --config PATH       load config overrides from a JSON file
  --db PATH           sqlite database path
  --ckpt PATH         checkpoint path
  --split NAME        generalization split: none/CoGenT/diagonal/leave1out
  --restrict-scene    exclude held-out pairs from train scenes too
  --steps N           training steps
  --seed N            rng seed`)
	os.Exit(2)
}

func main() {
	mode, configPath := parseCLIArgs()
	if configPath != "" {
		if err := loadConfigFile(configPath); err != nil {
			fatalf("config %s: %v", configPath, err)
		}
	}
	rand.Seed(CFG.Seed) // And lo, determinism shall pretend to tame chaos.

	switch mode {
	case "generate":
		runGenerate()
	case "train":
		runTrain()
	case "eval":
		runEval()
	case "ask":
		runAsk()
	default:
		usage()
	}
}

func runGenerate() {
	vocab := BuildVocab()
	if err := vocab.Save(CFG.VocabPath); err != nil {
		fatalf("save vocab: %v", err)
	}
	fmt.Printf("[gen] vocab -> %s (%d question, %d program, %d answer tokens)\n",
		CFG.VocabPath, len(vocab.QuestionTokenToIdx), len(vocab.ProgramTokenToIdx), len(vocab.AnswerTokenToIdx))

	trainF, valF, testF, err := splitFilters(CFG.Split, CFG.RestrictScene)
	if err != nil {
		fatalf("%v", err)
	}
	store, err := OpenStore(CFG.DBPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	jobs := []struct {
		split   string
		n       int
		seed    int64
		allowed objectFilter
	}{
		{"train", CFG.TrainN, 1, trainF},
		{"val", CFG.ValN, 2, valF},
		{"test", CFG.TestN, 3, testF},
	}
	for _, j := range jobs {
		fmt.Printf("[gen] %s: %d examples (split=%s)\n", j.split, j.n, CFG.Split)
		if err := GenerateSplit(store, j.split, j.n, j.seed, j.allowed, vocab); err != nil {
			fatalf("generate %s: %v", j.split, err)
		}
	}
	fmt.Printf("[gen] done -> %s\n", CFG.DBPath)
}

func runTrain() {
	vocab, err := LoadVocab(CFG.VocabPath)
	if err != nil {
		fatalf("load vocab %s (run generate first): %v", CFG.VocabPath, err)
	}
	store, err := OpenStore(CFG.DBPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	m, err := NewModuleNet(vocab)
	if err != nil {
		fatalf("build model: %v", err)
	}
	nParams := 0
	for _, p := range m.AllParams() {
		nParams += len(p.Data)
	}
	fmt.Printf("[train] model: %d params, %d module slots, conditioned=%v\n",
		nParams, len(m.Registry.SlotNames), m.Conditioned)

	if err := TrainModel(store, m); err != nil {
		fatalf("train: %v", err)
	}
}

func runEval() {
	m, err := LoadCheckpoint(CFG.CkptPath)
	if err != nil {
		fatalf("load checkpoint: %v", err)
	}
	store, err := OpenStore(CFG.DBPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	for _, split := range []string{"val", "test"} {
		acc, err := EvalSplit(store, m, split, 0)
		if err != nil {
			fatalf("eval %s: %v", split, err)
		}
		fmt.Printf("[eval] %s accuracy: %.4f\n", split, acc)
	}
}

// ============================================================
// 13) ASK — interrogate a scene like it owes you money
// ============================================================

func describeScene(scene []Object) {
	fmt.Println("[ask] scene:")
	for _, obj := range scene {
		fmt.Printf("  %s %s at (%d, %d) size %d\n", obj.Color, obj.Shape, obj.X, obj.Y, obj.Size)
	}
}

// parseAskQuestion accepts "is there a <color> <shape>" (the leading
// words are optional, "red square" alone works too).
func parseAskQuestion(line string) (shape, color string, err error) {
	words := strings.Fields(strings.ToLower(line))
	var rest []string
	for _, w := range words {
		if w == "is" || w == "there" || w == "a" || w == "an" || w == "?" {
			continue
		}
		rest = append(rest, strings.TrimSuffix(w, "?"))
	}
	if len(rest) != 2 {
		return "", "", fmt.Errorf("ask me 'is there a <color> <shape>'")
	}
	color, shape = rest[0], rest[1]
	if indexOf(Colors, color) < 0 {
		return "", "", fmt.Errorf("unknown color %q (have: %s)", color, strings.Join(Colors, ", "))
	}
	if indexOf(Shapes, shape) < 0 {
		return "", "", fmt.Errorf("unknown shape %q (have: %s)", shape, strings.Join(Shapes, ", "))
	}
	return shape, color, nil
}

func runAsk() {
	m, err := LoadCheckpoint(CFG.CkptPath)
	if err != nil {
		fatalf("load checkpoint (train first): %v", err)
	}
	gradEnabled.Store(false)

	sg := NewSceneGenerator(CFG.ImageSize, CFG.NumObjects, CFG.Seed, allowAll)
	scene, surface := sg.Generate()
	describeScene(scene)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	fmt.Println("[ask] questions like 'is there a red square'; 'new' for a new scene, 'exit' to quit")
	for {
		line, err := ln.Prompt("? ")
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		case "new":
			scene, surface = sg.Generate()
			describeScene(scene)
			continue
		}
		ln.AppendHistory(line)

		shape, color, err := parseAskQuestion(line)
		if err != nil {
			fmt.Printf("[ask] %v\n", err)
			continue
		}
		_, program, err := buildQuestion(m.Vocab, shape, color)
		if err != nil {
			fmt.Printf("[ask] %v\n", err)
			continue
		}

		ex := &Example{Features: surface, C: 3, H: CFG.ImageSize, W: CFG.ImageSize}
		logits, err := m.Forward([]*FeatureMap{ex.FeatureMap()}, TokenPrograms([][]int{program}))
		if err != nil {
			fmt.Printf("[ask] %v\n", err)
			continue
		}
		probs := SoftmaxProbs(logits[0].Data)
		answer, _ := m.Vocab.AnswerToken(argmaxFloat(logits[0].Data))
		actual := "no"
		for _, obj := range scene {
			if obj.Shape == shape && obj.Color == color {
				actual = "yes"
				break
			}
		}
		verdict := map[string]string{"true": "yes", "false": "no"}[answer]
		if verdict == "" {
			verdict = answer
		}
		fmt.Printf("[ask] %s (%.0f%% sure; ground truth: %s)\n",
			verdict, 100*probs[argmaxFloat(logits[0].Data)], actual)
	}
}
