// File: control/support.go
// Author: momentics <momentics@gmail.com>
//
// Support bundle generation: a point-in-time YAML dump of the running
// configuration plus the metrics Registry snapshot, zstd-compressed for
// attaching to a bug report. Served on demand by the daemon's /debug/bundle
// HTTP endpoint rather than continuously scraped.
package control

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// BuildSupportBundle renders cfg and a metrics snapshot as YAML and
// returns it zstd-compressed.
func BuildSupportBundle(cfg *Config, metrics Snapshot) ([]byte, error) {
	doc := struct {
		Config  *Config  `yaml:"config"`
		Metrics Snapshot `yaml:"metrics"`
	}{Config: cfg, Metrics: metrics}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("control: marshalling support bundle: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("control: creating zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// DecodeSupportBundle reverses BuildSupportBundle, for tooling that reads
// an attached bundle back out.
func DecodeSupportBundle(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("control: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
