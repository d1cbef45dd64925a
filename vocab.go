package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ============================================================
// 4) VOCABULARY — tokens, arities, and three sacred sentinels
// ============================================================

// Sentinel tokens. Index 0/1/2 in every vocabulary, always.
const (
	TokNull  = "<NULL>"
	TokStart = "<START>"
	TokEnd   = "<END>"
)

const (
	IdxNull  = 0
	IdxStart = 1
	IdxEnd   = 2
)

// Vocab maps question words, program operators and answers to integer
// ids. JSON layout matches the original vocab.json on disk:
// question_token_to_idx / program_token_to_idx / program_token_arity /
// answer_token_to_idx.
type Vocab struct {
	QuestionTokenToIdx map[string]int `json:"question_token_to_idx"`
	ProgramTokenToIdx  map[string]int `json:"program_token_to_idx"`
	ProgramTokenArity  map[string]int `json:"program_token_arity"`
	AnswerTokenToIdx   map[string]int `json:"answer_token_to_idx"`

	programIdxToToken map[int]string
	answerIdxToToken  map[int]string
}

// finish rebuilds the derived reverse maps after load or construction.
func (v *Vocab) finish() {
	v.programIdxToToken = make(map[int]string, len(v.ProgramTokenToIdx))
	for tok, idx := range v.ProgramTokenToIdx {
		v.programIdxToToken[idx] = tok
	}
	v.answerIdxToToken = make(map[int]string, len(v.AnswerTokenToIdx))
	for tok, idx := range v.AnswerTokenToIdx {
		v.answerIdxToToken[idx] = tok
	}
}

// ProgramToken resolves a program token id to its name.
func (v *Vocab) ProgramToken(idx int) (string, bool) {
	tok, ok := v.programIdxToToken[idx]
	return tok, ok
}

// AnswerToken resolves an answer id to its label.
func (v *Vocab) AnswerToken(idx int) (string, bool) {
	tok, ok := v.answerIdxToToken[idx]
	return tok, ok
}

func (v *Vocab) NumAnswers() int {
	return len(v.AnswerTokenToIdx)
}

// ProgramTokensSorted returns operator names in token-index order.
// Registry slot and conditioning-id assignment iterate in this order so
// that ids are deterministic between training and inference.
func (v *Vocab) ProgramTokensSorted() []string {
	toks := make([]string, 0, len(v.ProgramTokenToIdx))
	for tok := range v.ProgramTokenToIdx {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool {
		return v.ProgramTokenToIdx[toks[i]] < v.ProgramTokenToIdx[toks[j]]
	})
	return toks
}

// EncodeQuestion maps question words to ids, erroring on unknown words.
func (v *Vocab) EncodeQuestion(words []string) ([]int, error) {
	ids := make([]int, len(words))
	for i, w := range words {
		idx, ok := v.QuestionTokenToIdx[w]
		if !ok {
			return nil, fmt.Errorf("unknown question word %q", w)
		}
		ids[i] = idx
	}
	return ids, nil
}

// EncodeProgram maps program tokens to ids, erroring on unknown tokens.
func (v *Vocab) EncodeProgram(tokens []string) ([]int, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		idx, ok := v.ProgramTokenToIdx[tok]
		if !ok {
			return nil, fmt.Errorf("unknown program token %q", tok)
		}
		ids[i] = idx
	}
	return ids, nil
}

func (v *Vocab) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(v)
}

func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var v Vocab
	if err := json.NewDecoder(f).Decode(&v); err != nil {
		return nil, err
	}
	v.finish()
	return &v, nil
}

// tokenArity is the dataset's arity rule: And takes two subtrees, scene
// takes none, every other token (shapes, colors, sentinels) one.
func tokenArity(token string) int {
	switch token {
	case "And":
		return 2
	case "scene":
		return 0
	default:
		return 1
	}
}

// BuildVocab constructs the FlatQA vocabulary from the shape and color
// inventories, in the original's order: sentinels, fixed question words,
// sorted colors, shapes.
func BuildVocab() *Vocab {
	sortedColors := make([]string, len(Colors))
	copy(sortedColors, Colors)
	sort.Strings(sortedColors)

	questionWords := append([]string{TokNull, TokStart, TokEnd, "is", "there", "a"}, sortedColors...)
	questionWords = append(questionWords, Shapes...)
	questionVocab := make(map[string]int, len(questionWords))
	for i, w := range questionWords {
		questionVocab[w] = i
	}

	programWords := append([]string{TokNull, TokStart, TokEnd, "scene", "And"}, sortedColors...)
	programWords = append(programWords, Shapes...)
	programVocab := make(map[string]int, len(programWords))
	arity := make(map[string]int, len(programWords))
	for i, w := range programWords {
		programVocab[w] = i
		arity[w] = tokenArity(w)
	}

	v := &Vocab{
		QuestionTokenToIdx: questionVocab,
		ProgramTokenToIdx:  programVocab,
		ProgramTokenArity:  arity,
		AnswerTokenToIdx:   map[string]int{"false": 0, "true": 1},
	}
	v.finish()
	return v
}
