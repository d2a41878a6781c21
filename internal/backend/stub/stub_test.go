package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

func fakeImg() *tensor.Map {
	values := make([]float32, 3*32*32)
	for i := range values {
		values[i] = float32(i%255) / 255
	}
	return tensor.MapOf("fake_img", tensor.MustFloat32(tensor.Shape{3, 32, 32}, values))
}

func TestHandle_ReturnsDeclaredOutputs(t *testing.T) {
	want := fakeImg()
	h := New(want)

	in := tensor.MapOf("masked_img", tensor.Must(tensor.Zeros(tensor.Float32, tensor.Shape{1, 3, 32, 32})))
	got, err := h.Infer(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	// Mutating the returned map does not leak into later calls.
	got.Set("extra", tensor.Must(tensor.Zeros(tensor.Uint8, tensor.Shape{1})))
	again, err := h.Infer(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, want.Equal(again))

	require.Len(t, h.Calls(), 2)
	assert.True(t, in.Equal(h.Calls()[0]))
}

func TestEcho_SynthesizesFromSignature(t *testing.T) {
	sig := backend.Signature{
		Inputs: []backend.TensorSpec{{Name: "img", DType: tensor.Float32, Shape: tensor.Shape{1, 3, -1, -1}}},
		Outputs: []backend.TensorSpec{
			{Name: "fake_img", DType: tensor.Float32, Shape: tensor.Shape{1, 3, -1, -1}},
			{Name: "scores", Shape: tensor.Shape{1, -1}},
		},
	}
	h := Echo(sig)

	out, err := h.Infer(context.Background(), tensor.MapOf("img", tensor.Must(tensor.Zeros(tensor.Float32, tensor.Shape{1, 3, 8, 6}))))
	require.NoError(t, err)

	img, ok := out.Get("fake_img")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 3, 8, 6}, img.Shape())

	scores, ok := out.Get("scores")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 1}, scores.Shape())
}

func TestEntry_LoadsThroughRegistry(t *testing.T) {
	reg, err := backend.NewRegistry(Entry(fakeImg()))
	require.NoError(t, err)

	h, err := reg.Load(context.Background(), config.BackendConfig{Type: "stub"}, &backend.Artifact{}, backend.CPU)
	require.NoError(t, err)
	defer h.Close()

	out, err := h.Infer(context.Background(), tensor.NewMap())
	require.NoError(t, err)
	assert.True(t, fakeImg().Equal(out))
	assert.Equal(t, backend.KindStub, h.Kind())
}
