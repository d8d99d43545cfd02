package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/broady/modelrpc/cmd/modelrpc/internal/generate"
	"github.com/broady/modelrpc/cmd/modelrpc/internal/serve"
)

type CLI struct {
	Config string `help:"Settings file (YAML)." short:"c" type:"path" env:"MODELRPC_CONFIG"`

	Version       VersionCmd   `cmd:"" help:"Print version information."`
	GenerateProto generate.Cmd `cmd:"" name:"generateproto" help:"Generate proto interface documents for the served projects."`
	Serve         serve.Cmd    `cmd:"" help:"Serve the configured services."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(Version())
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("modelrpc"),
		kong.Description("Serve entity-backed RPC services and generate their interface documents."),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli.Config, serve.Version(Version()))
	ctx.FatalIfErrorf(err)
}
