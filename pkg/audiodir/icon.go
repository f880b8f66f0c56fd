package audiodir

import _ "embed"

var (
	//go:embed assets/logo.png
	logoIconData []byte

	//go:embed assets/logo.ico
	logoIconDataICO []byte
)
