package musicgen

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCommand_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "train.json"), tunes)
	writeJSON(t, filepath.Join(dir, "val.json"), tunes[:2])
	configPath := filepath.Join(dir, "config.json")
	writeJSON(t, configPath, map[string]any{
		"train_path":       filepath.Join(dir, "train.json"),
		"val_path":         filepath.Join(dir, "val.json"),
		"tokenizer_path":   filepath.Join(dir, "tokenizer", "mgt.model"),
		"save_ckpt_path":   filepath.Join(dir, "checkpoints", "mgt.ckpt"),
		"metrics_db":       filepath.Join(dir, "metrics.db"),
		"run_id":           "e2e",
		"n_embd":           8,
		"n_head":           2,
		"n_block":          1,
		"ff_dim":           16,
		"max_seq_len":      8,
		"seq_len":          4,
		"b_size":           2,
		"num_epochs":       11,
		"n_step":           0,
		"checkpoint_every": 10,
	})

	_, err := execute(t, "train", "--config", configPath)
	require.ErrorIs(t, err, ErrNotFound, "training needs a fitted tokenizer")

	out, err := execute(t, "tokenizer", "fit", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "training the tokenizer on the val split (2 texts)")
	assert.Contains(t, out, "tokenized sequence:")
	assert.Contains(t, out, "vocabulary size:")
	assert.FileExists(t, filepath.Join(dir, "tokenizer", "mgt.model"))

	out, err = execute(t, "train", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "[Transformer]")
	assert.Contains(t, out, "epoch 10:")
	assert.FileExists(t, filepath.Join(dir, "checkpoints", "mgt.ckpt"))

	out, err = execute(t, "history", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Val Loss")
	out, err = execute(t, "history", "--config", configPath, "--run", "other")
	require.NoError(t, err)
	assert.Contains(t, out, `no snapshots for run "other"`)

	out, err = execute(t, "generate", "--config", configPath, "--prompt", "GAG GAB", "--max-tokens", "5", "--seed", "3")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "GAG GAB"), out)

	out, err = execute(t, "train", "--config", configPath, "--resume")
	require.NoError(t, err)
	assert.Contains(t, out, "resuming at epoch 11")
}

func TestCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "tokenizer", "fit", "--config", filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNotFound)

	configPath := filepath.Join(dir, "config.json")
	writeJSON(t, configPath, map[string]any{"metrics_db": ""})
	_, err = execute(t, "history", "--config", configPath)
	assert.Error(t, err)

	writeJSON(t, configPath, map[string]any{"train_path": filepath.Join(dir, "nope.json")})
	_, err = execute(t, "tokenizer", "fit", "--config", configPath)
	assert.ErrorIs(t, err, ErrNotFound)
}
