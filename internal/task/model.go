package task

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// maxHeaderSize bounds the checkpoint header read into memory.
const maxHeaderSize = 100 << 20

// Weight describes one tensor of a checkpoint.
type Weight struct {
	Name  string       `json:"name"`
	DType string       `json:"dtype"`
	Shape tensor.Shape `json:"shape"`
}

// ReferenceModel is the un-exported model a processor exports from. It is
// never modified after InitReferenceModel returns it.
type ReferenceModel struct {
	Codebase   string
	Task       string
	Config     map[string]any
	Checkpoint string
	Weights    []Weight
	// Metadata is the free-form __metadata__ block of the checkpoint.
	Metadata map[string]string
	Digest   string
}

// Fingerprint recomputes the content digest. It equals Digest as long as
// nobody modified the model.
func (m *ReferenceModel) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", m.Codebase, m.Task, m.Checkpoint)
	cfg, _ := json.Marshal(m.Config)
	h.Write(cfg)
	ws, _ := json.Marshal(m.Weights)
	h.Write(ws)
	md, _ := json.Marshal(m.Metadata)
	h.Write(md)
	return hex.EncodeToString(h.Sum(nil))
}

// LoadReferenceModel reads the weight index of a safetensors checkpoint. An
// empty checkpoint yields a model with no weights.
func LoadReferenceModel(codebase, task string, cfg map[string]any, checkpoint string) (*ReferenceModel, error) {
	m := &ReferenceModel{
		Codebase:   codebase,
		Task:       task,
		Config:     cfg,
		Checkpoint: checkpoint,
	}
	if checkpoint != "" {
		weights, meta, err := readCheckpointIndex(checkpoint)
		if err != nil {
			return nil, errdefs.ModelLoad("checkpoint %s: %v", checkpoint, err)
		}
		m.Weights, m.Metadata = weights, meta
	}
	m.Digest = m.Fingerprint()
	return m, nil
}

type headerEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

var checkpointDTypeSize = map[string]int64{
	"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
	"I64": 8, "I32": 4, "I16": 2, "I8": 1, "U8": 1, "BOOL": 1,
}

// readCheckpointIndex parses the safetensors layout: a little-endian uint64
// header length, a JSON header, then the raw data section.
func readCheckpointIndex(path string) ([]Weight, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || n > maxHeaderSize || int64(n) > info.Size()-8 {
		return nil, nil, fmt.Errorf("invalid header length %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}

	dataSize := info.Size() - 8 - int64(n)
	var meta map[string]string
	weights := make([]Weight, 0, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &meta); err != nil {
				return nil, nil, fmt.Errorf("decode metadata: %w", err)
			}
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		size, ok := checkpointDTypeSize[e.DType]
		if !ok {
			return nil, nil, fmt.Errorf("tensor %q: unknown dtype %q", name, e.DType)
		}
		if len(e.DataOffsets) != 2 || e.DataOffsets[0] < 0 || e.DataOffsets[1] < e.DataOffsets[0] || e.DataOffsets[1] > dataSize {
			return nil, nil, fmt.Errorf("tensor %q: data offsets %v outside data section of %d bytes", name, e.DataOffsets, dataSize)
		}
		shape := tensor.Shape(e.Shape)
		if want := shape.NumElements() * size; want != e.DataOffsets[1]-e.DataOffsets[0] {
			return nil, nil, fmt.Errorf("tensor %q: %d bytes for shape %v, want %d", name, e.DataOffsets[1]-e.DataOffsets[0], shape, want)
		}
		weights = append(weights, Weight{Name: name, DType: e.DType, Shape: shape})
	}

	sort.Slice(weights, func(i, j int) bool { return weights[i].Name < weights[j].Name })
	return weights, meta, nil
}
