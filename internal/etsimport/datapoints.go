package etsimport

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/infrastructure/config"
)

// Datapoints converts the entries whose type the catalog knows into
// configuration bindings. The rest are returned as skips, after any
// recorded during parsing.
func (r *Result) Datapoints(cat *knx.Catalog) ([]config.DatapointConfig, []Skip) {
	skipped := append([]Skip(nil), r.Skipped...)
	dps := make([]config.DatapointConfig, 0, len(r.Entries))

	for _, e := range r.Entries {
		if e.DPT == "" {
			skipped = append(skipped, Skip{Address: e.Address.String(), Name: e.Name, Reason: SkipNoDPT})
			continue
		}
		if _, err := cat.Lookup(e.DPT); err != nil {
			skipped = append(skipped, Skip{Address: e.Address.String(), Name: e.Name, Reason: SkipUnknownDPT})
			continue
		}
		dps = append(dps, config.DatapointConfig{
			GA:   e.Address.String(),
			DPT:  e.DPT,
			Name: e.Name,
		})
	}
	return dps, skipped
}

// WriteYAML writes dps as a "datapoints:" document ready to paste into the
// configuration file.
func WriteYAML(w io.Writer, dps []config.DatapointConfig) error {
	doc := struct {
		Datapoints []config.DatapointConfig `yaml:"datapoints"`
	}{Datapoints: dps}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2) //nolint:mnd // matches configs/config.yaml
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding datapoints: %w", err)
	}
	return enc.Close()
}
