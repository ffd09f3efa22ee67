package artifacts

import _ "embed"

// Global artifacts

//go:embed global/settings.yaml
var GlobalSettings []byte

//go:embed global/vectorguardignore
var DefaultIgnore []byte
