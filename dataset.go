package main

import (
	"fmt"
	"math/rand"
)

// ============================================================
// 9) FLATQA GENERATOR — five shapes walk into a small canvas
// ============================================================

// Colors in canonical order (this order defines the diagonal split).
var Colors = []string{"red", "green", "blue", "yellow", "cyan", "purple", "brown", "gray"}

var ColorRGB = map[string][3]uint8{
	"red":    {255, 0, 0},
	"green":  {0, 255, 0},
	"blue":   {0, 0, 255},
	"yellow": {255, 255, 0},
	"cyan":   {0, 255, 255},
	"purple": {128, 0, 128},
	"brown":  {165, 42, 42},
	"gray":   {128, 128, 128},
}

// Shapes in canonical order.
var Shapes = []string{"square", "empty_square", "circle", "triangle", "empty_triangle", "cross", "bar"}

const MinObjectSize = 8

// MaxQuestionLen and MaxProgramLen are fixed by the question template:
// "is there a <color> <shape>" / <START> And <shape> scene <color> scene <END>.
const (
	MaxQuestionLen = 5
	MaxProgramLen  = 7
)

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}

// shapeMask rasterizes one shape into a size×size boolean mask.
// Integer pixel loops; recognizable geometry is what matters here,
// not anti-aliased fidelity.
func shapeMask(shape string, size int) ([]bool, error) {
	mask := make([]bool, size*size)
	set := func(x, y int) {
		if x >= 0 && x < size && y >= 0 && y < size {
			mask[y*size+x] = true
		}
	}
	thickness := size/4 - 1
	if thickness < 1 {
		thickness = 1
	}

	switch shape {
	case "square":
		for i := range mask {
			mask[i] = true
		}
	case "empty_square":
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				if x < thickness || x >= size-thickness || y < thickness || y >= size-thickness {
					set(x, y)
				}
			}
		}
	case "circle":
		c := size / 2
		r2 := (size / 2) * (size / 2)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy := x-c, y-c
				if dx*dx+dy*dy <= r2 {
					set(x, y)
				}
			}
		}
	case "triangle", "empty_triangle":
		// apex-down: full top edge, tip at bottom center
		for y := 0; y < size; y++ {
			xl := y * (size / 2) / maxInt(1, size-1)
			xr := (size - 1) - y*((size-1)-size/2)/maxInt(1, size-1)
			for x := xl; x <= xr; x++ {
				if shape == "triangle" {
					set(x, y)
				} else if y < thickness || x < xl+thickness || x > xr-thickness {
					set(x, y)
				}
			}
		}
	case "cross":
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				if absInt(x-y)*2 <= thickness || absInt(x+y-(size-1))*2 <= thickness {
					set(x, y)
				}
			}
		}
	case "bar":
		for y := 0; y < size; y++ {
			if absInt(y-size/2)*2 <= thickness {
				for x := 0; x < size; x++ {
					set(x, y)
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown shape %q", shape)
	}
	return mask, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// Object is one placed scene object (center position).
type Object struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Size  int    `json:"size"`
	Shape string `json:"shape"`
	Color string `json:"color"`
}

// objectFilter decides whether a (shape, color) pair is allowed for a
// purpose ("generate": may appear in scenes; "ask": may be asked about).
type objectFilter func(shape, color, purpose string) bool

func allowAll(string, string, string) bool { return true }

// SceneGenerator places non-overlapping colored shapes on a square
// canvas, rejection-sampling the object inventory through the filter.
type SceneGenerator struct {
	size       int
	numObjects int
	rng        *rand.Rand
	allowed    objectFilter
}

func NewSceneGenerator(size, numObjects int, seed int64, allowed objectFilter) *SceneGenerator {
	return &SceneGenerator{
		size:       size,
		numObjects: numObjects,
		rng:        rand.New(rand.NewSource(seed)),
		allowed:    allowed,
	}
}

// Generate returns the scene's objects and the rendered RGB image as a
// flat CHW float64 buffer in [0, 1]. Ten consecutive placement
// failures restart the scene from scratch.
func (g *SceneGenerator) Generate() ([]Object, []float64) {
restart:
	for {
		surface := make([]float64, 3*g.size*g.size)
		var objects []Object
		placeFailures := 0

		for len(objects) < g.numObjects {
			var shape, color string
			for {
				shape = Shapes[g.rng.Intn(len(Shapes))]
				color = Colors[g.rng.Intn(len(Colors))]
				if g.allowed(shape, color, "generate") {
					break
				}
			}

			objSize := g.rng.Intn(MinObjectSize) + MinObjectSize
			minCenter := objSize/2 + 1
			maxCenter := g.size - objSize/2 - 1

			placed := false
			for attempt := 0; attempt < 10; attempt++ {
				x := g.rng.Intn(maxCenter-minCenter) + minCenter
				y := g.rng.Intn(maxCenter-minCenter) + minCenter

				overlap := false
				for _, other := range objects {
					minDist := objSize + other.Size + 1
					if absInt(x-other.X)+absInt(y-other.Y) < minDist {
						overlap = true
						break
					}
				}
				if !overlap {
					obj := Object{X: x, Y: y, Size: objSize, Shape: shape, Color: color}
					objects = append(objects, obj)
					g.blit(surface, obj)
					placed = true
					break
				}
			}
			if !placed {
				placeFailures++
				if placeFailures == 10 {
					continue restart
				}
			}
		}
		return objects, surface
	}
}

func (g *SceneGenerator) blit(surface []float64, obj Object) {
	mask, err := shapeMask(obj.Shape, obj.Size)
	if err != nil {
		return
	}
	rgb := ColorRGB[obj.Color]
	x0 := obj.X - obj.Size/2
	y0 := obj.Y - obj.Size/2
	plane := g.size * g.size
	for dy := 0; dy < obj.Size; dy++ {
		for dx := 0; dx < obj.Size; dx++ {
			if !mask[dy*obj.Size+dx] {
				continue
			}
			x, y := x0+dx, y0+dy
			if x < 0 || x >= g.size || y < 0 || y >= g.size {
				continue
			}
			for c := 0; c < 3; c++ {
				surface[c*plane+y*g.size+x] = float64(rgb[c]) / 255.0
			}
		}
	}
}

// splitFilters builds the train/val/test object filters for the named
// generalization split.
func splitFilters(split string, restrictScene bool) (train, val, test objectFilter, err error) {
	switch split {
	case "", "none":
		return allowAll, allowAll, allowAll, nil

	case "CoGenT":
		set1 := map[string]bool{"gray": true, "blue": true, "brown": true, "yellow": true}
		set2 := map[string]bool{"red": true, "green": true, "purple": true, "cyan": true}
		restrict := func(squareColors, triangleColors map[string]bool, testTime bool) objectFilter {
			return func(shape, color, purpose string) bool {
				switch shape {
				case "square":
					return squareColors[color]
				case "triangle":
					return triangleColors[color]
				}
				// at test time, ask only about the held-out pairs
				if testTime && purpose != "generate" {
					return false
				}
				return true
			}
		}
		train = restrict(set1, set2, false)
		val = restrict(set2, set1, true)
		return train, val, val, nil

	case "diagonal":
		diag := func(shape, color string) bool {
			return indexOf(Shapes, shape) == indexOf(Colors, color)
		}
		train = func(shape, color, purpose string) bool {
			return !diag(shape, color)
		}
		test = func(shape, color, purpose string) bool {
			return purpose == "generate" || diag(shape, color)
		}
		return train, test, test, nil

	case "leave1out":
		isHeldOut := func(shape, color string) bool {
			return shape == "square" && color == "red"
		}
		train = func(shape, color, purpose string) bool {
			if !restrictScene && purpose == "generate" {
				return true
			}
			return !isHeldOut(shape, color)
		}
		test = func(shape, color, purpose string) bool {
			if purpose == "generate" {
				return true
			}
			return isHeldOut(shape, color)
		}
		return train, test, test, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown split %q (use none/CoGenT/diagonal/leave1out)", split)
}

// buildQuestion returns the question and program token id sequences for
// one (shape, color) query.
func buildQuestion(vocab *Vocab, shape, color string) ([]int, []int, error) {
	q, err := vocab.EncodeQuestion([]string{"is", "there", "a", color, shape})
	if err != nil {
		return nil, nil, err
	}
	p, err := vocab.EncodeProgram([]string{TokStart, "And", shape, "scene", color, "scene", TokEnd})
	if err != nil {
		return nil, nil, err
	}
	return q, p, nil
}

// GenerateSplit fills one dataset split: alternating yes/no answers,
// rejection sampling per the original recipe, examples persisted to
// sqlite as they are produced.
func GenerateSplit(store *Store, split string, numExamples int, seed int64, allowed objectFilter, vocab *Vocab) error {
	sg := NewSceneGenerator(CFG.ImageSize, CFG.NumObjects, 1, allowed)
	rng := rand.New(rand.NewSource(seed))

	i := 0
	for i < numExamples {
		scene, surface := sg.Generate()

		wantYes := i%2 == 1
		var shape, color string
		if wantYes {
			var candidates []Object
			for _, obj := range scene {
				if allowed(obj.Shape, obj.Color, "ask") {
					candidates = append(candidates, obj)
				}
			}
			if len(candidates) == 0 {
				// can't ask a positive question about this scene
				continue
			}
			pick := candidates[rng.Intn(len(candidates))]
			shape, color = pick.Shape, pick.Color
		} else {
			found := true
			for attempt := 0; attempt < 10; attempt++ {
				shape = Shapes[rng.Intn(len(Shapes))]
				color = Colors[rng.Intn(len(Colors))]
				if !allowed(shape, color, "ask") {
					continue
				}
				present := false
				for _, obj := range scene {
					if obj.Shape == shape && obj.Color == color {
						present = true
						break
					}
				}
				if !present {
					found = false
					break
				}
			}
			if found {
				// failed to find an absent pair, try another scene
				continue
			}
		}

		question, program, err := buildQuestion(vocab, shape, color)
		if err != nil {
			return err
		}
		answer := 0
		if wantYes {
			answer = 1
		}

		ex := &Example{
			Split:    split,
			ImageIdx: i,
			Features: surface,
			C:        3,
			H:        CFG.ImageSize,
			W:        CFG.ImageSize,
			Question: question,
			Program:  program,
			Answer:   answer,
			Scene:    scene,
		}
		if err := store.InsertExample(ex); err != nil {
			return err
		}

		i++
		if i%1000 == 0 {
			fmt.Printf("[gen] %s: %d/%d examples\n", split, i, numExamples)
		}
	}
	return nil
}
