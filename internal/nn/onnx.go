package nn

import (
	"fmt"
	"sync"

	"pelican/internal/chess"

	ort "github.com/yalue/onnxruntime_go"
)

// MaxBatchSize is the widest batch the ONNX session is built for. Search
// minibatches are capped to it by the options layer.
const MaxBatchSize = 1024

// OnnxNetwork evaluates positions with an onnxruntime session. The session
// and its tensors are allocated once at the maximum batch width; concurrent
// computations serialize on the session mutex.
type OnnxNetwork struct {
	mu      sync.Mutex
	session *ort.AdvancedSession

	input  []float32
	policy []float32
	value  []float32

	tensors []ort.Value
}

// LoadOnnxNetwork initializes the onnxruntime environment (pointing it at
// libPath when given), builds a session for the model, and tries execution
// providers from fastest to most portable: CUDA, then CPU.
func LoadOnnxNetwork(modelPath, libPath string) (*OnnxNetwork, error) {
	if !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("nn: initialize onnxruntime: %w", err)
		}
	}

	input := make([]float32, MaxBatchSize*InputSize)
	policy := make([]float32, MaxBatchSize*chess.PolicySize)
	value := make([]float32, MaxBatchSize)

	inputShape := ort.NewShape(MaxBatchSize, int64(InputPlanes), 8, 8)
	policyShape := ort.NewShape(MaxBatchSize, int64(chess.PolicySize))
	valueShape := ort.NewShape(MaxBatchSize, 1)

	inputTensor, err := ort.NewTensor(inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("nn: input tensor: %w", err)
	}
	policyTensor, err := ort.NewTensor(policyShape, policy)
	if err != nil {
		return nil, fmt.Errorf("nn: policy tensor: %w", err)
	}
	valueTensor, err := ort.NewTensor(valueShape, value)
	if err != nil {
		return nil, fmt.Errorf("nn: value tensor: %w", err)
	}

	inputs := []ort.Value{inputTensor}
	outputs := []ort.Value{policyTensor, valueTensor}

	providers := []struct {
		name  string
		setup func(*ort.SessionOptions) error
	}{
		{"CUDA", func(so *ort.SessionOptions) error {
			cudaOpts, e := ort.NewCUDAProviderOptions()
			if e != nil {
				return e
			}
			defer cudaOpts.Destroy()
			return so.AppendExecutionProviderCUDA(cudaOpts)
		}},
		{"CPU", func(so *ort.SessionOptions) error { return nil }},
	}

	var session *ort.AdvancedSession
	var lastErr error
	for _, p := range providers {
		so, e := ort.NewSessionOptions()
		if e != nil {
			lastErr = e
			continue
		}
		if e := p.setup(so); e != nil {
			lastErr = fmt.Errorf("%s setup: %w", p.name, e)
			so.Destroy()
			continue
		}
		s, e := ort.NewAdvancedSession(modelPath,
			[]string{"input_planes"}, []string{"policy", "value"},
			inputs, outputs, so)
		so.Destroy()
		if e != nil {
			lastErr = fmt.Errorf("%s session: %w", p.name, e)
			continue
		}
		session = s
		break
	}
	if session == nil {
		return nil, fmt.Errorf("nn: no usable execution provider: %w", lastErr)
	}

	tensors := make([]ort.Value, 0, 3)
	tensors = append(tensors, inputTensor, policyTensor, valueTensor)
	return &OnnxNetwork{
		session: session,
		input:   input,
		policy:  policy,
		value:   value,
		tensors: tensors,
	}, nil
}

func (n *OnnxNetwork) Close() {
	if n.session != nil {
		n.session.Destroy()
	}
	for _, t := range n.tensors {
		t.Destroy()
	}
}

func (n *OnnxNetwork) NewComputation() Computation {
	return &onnxComputation{net: n}
}

type onnxComputation struct {
	net    *OnnxNetwork
	planes [][]float32
	q      []float32
	p      [][]float32
}

func (c *onnxComputation) AddInput(planes []float32) {
	c.planes = append(c.planes, planes)
}

func (c *onnxComputation) BatchSize() int { return len(c.planes) }

func (c *onnxComputation) ComputeBlocking() error {
	if len(c.planes) == 0 {
		return nil
	}
	if len(c.planes) > MaxBatchSize {
		return fmt.Errorf("nn: batch of %d exceeds session width %d", len(c.planes), MaxBatchSize)
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.input {
		n.input[i] = 0
	}
	for i, row := range c.planes {
		copy(n.input[i*InputSize:(i+1)*InputSize], row)
	}
	if err := n.session.Run(); err != nil {
		return fmt.Errorf("nn: session run: %w", err)
	}
	c.q = append(c.q[:0], n.value[:len(c.planes)]...)
	c.p = c.p[:0]
	for i := range c.planes {
		row := make([]float32, chess.PolicySize)
		copy(row, n.policy[i*chess.PolicySize:(i+1)*chess.PolicySize])
		c.p = append(c.p, row)
	}
	return nil
}

func (c *onnxComputation) QVal(i int) float32 { return c.q[i] }

func (c *onnxComputation) PVal(i int, moveIndex int) float32 {
	return c.p[i][moveIndex]
}
