package main

import (
	"github.com/alecthomas/kong"

	"github.com/1aeo/exitmap-dns-health-deploy/campaigncmd"
	rootcmd "github.com/1aeo/exitmap-dns-health-deploy/cmd"
)

func main() {
	cli := &campaigncmd.Cmd{}
	rootcmd.Run(cli, "dnshealth",
		"Runs exitmap DNS health campaigns against the Tor exit relays and publishes the merged report",
		kong.Bind(&cli.Globals),
	)
}
