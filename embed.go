// Package totpguard holds the assets embedded into the totpguard
// binary: the default configuration and the default authorization
// policy, installed by `totpguardd install` and used as config.Load's
// base layer.
package totpguard

import (
	_ "embed"
)

//go:embed configs/default.yaml
var DefaultConfigYAML []byte

//go:embed configs/policies/default.rego
var DefaultPolicyRego []byte
