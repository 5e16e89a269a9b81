package campaigncmd

import (
	"encoding/json"
	"fmt"
	"os"

	"go.ntppool.org/common/version"
)

type VersionCmd struct {
	JSON bool `name:"json" help:"Print the build information as JSON"`
}

func (cmd VersionCmd) Run() error {
	if cmd.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(version.VersionInfo())
	}
	fmt.Printf("%s %s\n", appName, version.Version())
	return nil
}
