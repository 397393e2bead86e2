package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"kgraphd/internal/config"
	"kgraphd/internal/core"
	"kgraphd/internal/rulepack"
	"kgraphd/internal/shapes"
	"kgraphd/internal/term"
)

// seedDoc is the YAML seed knowledge base: a flat list of triples with
// optional confidence and provenance.
type seedDoc struct {
	Facts []seedFact `yaml:"facts"`
}

type seedFact struct {
	Subject    string           `yaml:"s"`
	Predicate  string           `yaml:"p"`
	Object     string           `yaml:"o"`
	Confidence *float64         `yaml:"confidence"`
	Provenance *core.Provenance `yaml:"provenance"`
}

func parseSeedDoc(path string) (*seedDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc seedDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i, f := range doc.Facts {
		if f.Subject == "" || f.Predicate == "" || f.Object == "" {
			return nil, fmt.Errorf("fact %d: s, p, and o are required", i)
		}
		if f.Confidence != nil && (*f.Confidence < 0 || *f.Confidence > 1) {
			return nil, fmt.Errorf("fact %d: confidence %g outside [0,1]", i, *f.Confidence)
		}
	}
	return &doc, nil
}

// seedKnowledgeBase asserts every seed fact in one batch. Any rejected
// item fails startup; a daemon that silently drops part of its seed
// would answer queries from a KB the operator did not intend.
func seedKnowledgeBase(ctx context.Context, engine *core.Engine, path string) (int, error) {
	doc, err := parseSeedDoc(path)
	if err != nil {
		return 0, err
	}
	if len(doc.Facts) == 0 {
		return 0, nil
	}

	items := make([]core.Assertion, len(doc.Facts))
	for i, f := range doc.Facts {
		conf := 1.0
		if f.Confidence != nil {
			conf = *f.Confidence
		}
		items[i] = core.Assertion{
			Term:       term.Triple(f.Subject, f.Predicate, f.Object),
			Confidence: conf,
			Provenance: f.Provenance,
		}
	}
	results, err := engine.AssertBatch(ctx, items)
	if err != nil {
		return 0, err
	}
	for i, r := range results {
		if r.Err != nil {
			return 0, fmt.Errorf("fact %d (%s): %w", i, items[i].Term, r.Err)
		}
	}
	return len(items), nil
}

// runCheck validates the configured documents without binding any
// ports: config, shape catalog, rule pack, and seed KB.
func runCheck(out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config ok (http %d, rpc %d)\n", cfg.HTTPPort, cfg.RPCPort)

	if cfg.ShapesPath != "" {
		catalog, err := shapes.Load(cfg.ShapesPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "shapes ok: %d shapes\n", len(catalog.Shapes))
	}
	if cfg.SeedRulesPath != "" {
		data, err := os.ReadFile(cfg.SeedRulesPath)
		if err != nil {
			return fmt.Errorf("read seed rules: %w", err)
		}
		pack, err := rulepack.Parse(data)
		if err != nil {
			return fmt.Errorf("seed rules %s: %w", cfg.SeedRulesPath, err)
		}
		rules, report := rulepack.Compile(pack)
		fmt.Fprintf(out, "rules ok: %d compiled, %d rejected\n", len(rules), len(report.Rejected))
		for _, rej := range report.Rejected {
			fmt.Fprintf(out, "  rejected %s: %s\n", rej.Key, rej.Reason)
		}
	}
	if cfg.SeedKBPath != "" {
		doc, err := parseSeedDoc(cfg.SeedKBPath)
		if err != nil {
			return fmt.Errorf("seed kb %s: %w", cfg.SeedKBPath, err)
		}
		fmt.Fprintf(out, "seed kb ok: %d facts\n", len(doc.Facts))
	}
	return nil
}
