// Package assets embeds scripts injected into every automated page.
package assets

import (
	_ "embed"
)

// StealthScript expects __postbridge_seed and __postbridge_stealth_level to
// be declared ahead of it.
//
//go:embed stealth.js
var StealthScript string
