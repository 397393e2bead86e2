package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kgraphd/internal/core"
)

const seedYAML = `
facts:
  - {s: rex, p: isa, o: dog, confidence: 0.9}
  - s: rex
    p: ownedBy
    o: ada
    provenance:
      source: intake-form
      doc_id: d-17
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSeedDoc(t *testing.T) {
	path := writeTemp(t, "seed.yaml", seedYAML)
	doc, err := parseSeedDoc(path)
	require.NoError(t, err)
	require.Len(t, doc.Facts, 2)
	require.NotNil(t, doc.Facts[0].Confidence)
	assert.Equal(t, 0.9, *doc.Facts[0].Confidence)
	assert.Nil(t, doc.Facts[1].Confidence, "absent confidence stays unset until assertion")
	assert.Equal(t, "intake-form", doc.Facts[1].Provenance.Source)

	_, err = parseSeedDoc(writeTemp(t, "bad.yaml", "facts:\n  - {s: rex, p: isa}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fact 0")

	_, err = parseSeedDoc(writeTemp(t, "conf.yaml", "facts:\n  - {s: rex, p: isa, o: dog, confidence: 1.5}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0,1]")
}

func TestSeedKnowledgeBase(t *testing.T) {
	engine := core.NewEngine(core.Caps{}, 16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	path := writeTemp(t, "seed.yaml", seedYAML)
	n, err := seedKnowledgeBase(ctx, engine, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, engine.Stats().FactCount)
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yaml")
	rules := filepath.Join(dir, "rules.yaml")
	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o644))
	require.NoError(t, os.WriteFile(rules, []byte("name: t\ntransitive:\n  - partOf\n"), 0o644))
	require.NoError(t, os.WriteFile(cfgFile, []byte(
		"seed_kb_path: "+seed+"\nseed_rules_path: "+rules+"\n"), 0o644))

	configPath = cfgFile
	t.Cleanup(func() { configPath = "" })

	var out bytes.Buffer
	require.NoError(t, runCheck(&out))
	assert.Contains(t, out.String(), "config ok")
	assert.Contains(t, out.String(), "rules ok: 1 compiled, 0 rejected")
	assert.Contains(t, out.String(), "seed kb ok: 2 facts")
}
