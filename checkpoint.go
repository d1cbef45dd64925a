package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// ============================================================
// 11) CHECKPOINTS — the whole model as one JSON file
// ============================================================

// CheckpointData embeds the config and vocabulary so a checkpoint is
// self-describing: loading rebuilds the exact same architecture before
// copying weights in.
type CheckpointData struct {
	Cfg         json.RawMessage        `json:"cfg"`
	Vocab       *Vocab                 `json:"vocab"`
	Policy      SharingPolicy          `json:"policy"`
	Conditioned bool                   `json:"conditioned"`
	Params      map[string][][]float64 `json:"params"`
}

func SaveCheckpoint(path string, m *ModuleNet) error {
	cfgJSON, err := json.Marshal(&CFG)
	if err != nil {
		return err
	}
	params := make(map[string][][]float64)
	for _, g := range m.ParamGroups() {
		rows := make([][]float64, len(g.Params))
		for i, p := range g.Params {
			rows[i] = append([]float64(nil), p.Data...)
		}
		params[g.Name] = rows
	}
	ck := CheckpointData{
		Cfg:         cfgJSON,
		Vocab:       m.Vocab,
		Policy:      m.Policy,
		Conditioned: m.Conditioned,
		Params:      params,
	}
	blob, err := json.MarshalIndent(&ck, "", " ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint rebuilds a ModuleNet from a checkpoint file. The
// embedded cfg replaces the architecture fields of the live CFG so the
// rebuilt net matches the saved weights.
func LoadCheckpoint(path string) (*ModuleNet, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ck CheckpointData
	if err := json.Unmarshal(blob, &ck); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if ck.Vocab == nil {
		return nil, fmt.Errorf("checkpoint %s has no vocab", path)
	}
	if err := json.Unmarshal(ck.Cfg, &CFG); err != nil {
		return nil, fmt.Errorf("parse checkpoint cfg: %w", err)
	}
	CFG.UseCond = ck.Conditioned
	CFG.ShareModules = ck.Policy.ShareModules
	CFG.ShareCond = ck.Policy.ShareCond

	ck.Vocab.finish()
	m, err := NewModuleNet(ck.Vocab)
	if err != nil {
		return nil, err
	}
	for _, g := range m.ParamGroups() {
		rows, ok := ck.Params[g.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint missing param group %q", g.Name)
		}
		if len(rows) != len(g.Params) {
			return nil, fmt.Errorf("param group %q: have %d rows, checkpoint has %d",
				g.Name, len(g.Params), len(rows))
		}
		for i, p := range g.Params {
			if len(rows[i]) != len(p.Data) {
				return nil, fmt.Errorf("param group %q row %d: have %d values, checkpoint has %d",
					g.Name, i, len(p.Data), len(rows[i]))
			}
			copy(p.Data, rows[i])
		}
	}
	return m, nil
}
