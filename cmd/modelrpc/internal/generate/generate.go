package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/broady/modelrpc"
	"github.com/broady/modelrpc/cmd/modelrpc/internal/bootstrap"
	"github.com/broady/modelrpc/sink"
)

// Cmd writes the proto interface documents of every served project.
type Cmd struct {
	Out      string `help:"Output directory (default: proto.out setting)." short:"o" type:"path"`
	Project  string `help:"Generate only this project." short:"p"`
	Package  string `help:"Proto package (default: proto.package setting, then the project name)."`
	Check    bool   `help:"Verify the stored documents are current and write nothing."`
	Override bool   `help:"Replace stored documents that differ."`
}

func (c *Cmd) Run(configPath string) error {
	return c.run(context.Background(), configPath, os.Stdout)
}

func (c *Cmd) run(ctx context.Context, configPath string, stdout io.Writer) error {
	res, err := bootstrap.Build(bootstrap.Options{ConfigPath: configPath})
	if err != nil {
		return err
	}
	defer res.Close()

	out := c.Out
	if out == "" {
		out = res.Settings.Proto.Out
	}
	outDir, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	paths, err := res.App.GenerateProto(ctx, modelrpc.GenerateOptions{
		Project:  c.Project,
		Check:    c.Check,
		Override: c.Override,
		Sink:     sink.NewFilesystemSink(outDir),
		Package:  c.Package,
	})
	var stale *sink.CheckError
	if errors.As(err, &stale) {
		for _, d := range stale.Diffs {
			fmt.Fprintln(stdout, d.String())
		}
		return fmt.Errorf("%d document(s) out of date in %s", len(stale.Diffs), outDir)
	}
	if err != nil {
		return err
	}

	verb := "generated"
	if c.Check {
		verb = "up to date"
	}
	for _, p := range paths {
		fmt.Fprintf(stdout, "%s: %s\n", verb, filepath.Join(outDir, p))
	}
	return nil
}
