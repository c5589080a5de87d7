package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWorkflow = `{
  "177": {"class_type": "CLIPTextEncode", "inputs": {"text": "placeholder", "clip": ["4", 1]}},
  "202": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 30}},
  "101": {"class_type": "EmptyLatentImage", "inputs": {"batch_size": 1}}
}`

func TestLoadJobDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o644))

	job, err := LoadJobDescription(path)
	require.NoError(t, err)
	assert.Len(t, job, 3)
	assert.Equal(t, "KSampler", job["202"].ClassType)

	v, ok := job.Input("177", "text")
	assert.True(t, ok)
	assert.Equal(t, "placeholder", v)
}

func TestSetInput_UnknownNode(t *testing.T) {
	job := JobDescription{"1": {ClassType: "X", Inputs: map[string]any{}}}

	err := job.SetInput("999", "text", "hello")
	assert.ErrorIs(t, err, ErrUnknownNode)

	require.NoError(t, job.SetInput("1", "text", "hello"))
	v, _ := job.Input("1", "text")
	assert.Equal(t, "hello", v)
}

func TestClone_IsIndependent(t *testing.T) {
	job := JobDescription{"202": {ClassType: "KSampler", Inputs: map[string]any{"seed": float64(1)}}}

	cp := job.Clone()
	require.NoError(t, cp.SetInput("202", "seed", float64(42)))

	orig, _ := job.Input("202", "seed")
	assert.Equal(t, float64(1), orig)
	cloned, _ := cp.Input("202", "seed")
	assert.Equal(t, float64(42), cloned)
}

func TestOutputsCount(t *testing.T) {
	out := Outputs{
		"9":  {Images: []ArtifactDescriptor{{Filename: "a.png"}, {Filename: "b.png"}}},
		"12": {Images: []ArtifactDescriptor{{Filename: "c.png"}}},
	}
	assert.Equal(t, 3, out.Count())
	assert.Equal(t, 0, Outputs{}.Count())
}

func TestInputKind(t *testing.T) {
	assert.True(t, InputTextAndImage.HasText())
	assert.True(t, InputTextAndImage.HasImage())
	assert.False(t, InputText.HasImage())
	assert.False(t, InputImage.HasText())
}
