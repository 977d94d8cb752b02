package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11helper/cmd/p11-tool/cli"
	"github.com/effective-security/p11helper/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Provider cli.ProviderCmd `cmd:"" help:"PKCS#11 provider commands"`
	Token    cli.TokenCmd    `cmd:"" help:"Token commands"`
	Cert     cli.CertCmd     `cmd:"" help:"Certificate commands"`
	ID       cli.IDCmd       `cmd:"" name:"id" help:"Token and certificate ID commands"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11-tool"),
		kong.Description("CLI tool for PKCS#11 tokens and certificates"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		cl.Cli.Close()
		ctx.FatalIfErrorf(err)
	}
}
