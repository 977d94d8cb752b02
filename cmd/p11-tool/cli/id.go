package cli

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11"
)

// IDCmd is the parent for identity commands
type IDCmd struct {
	Parse IDParseCmd `cmd:"" help:"parse serialized token or certificate ID"`
}

// IDParseCmd prints fields of a serialized identity
type IDParseCmd struct {
	Value string `arg:"" help:"serialized token or certificate ID"`
}

// Run the command
func (a *IDParseCmd) Run(ctx *Cli) error {
	if strings.Count(a.Value, "/") == 4 {
		c, err := identity.ParseCertificate(a.Value)
		if err != nil {
			return err
		}
		return ctx.WriteJSON(map[string]any{
			"type":  "certificate",
			"token": c.Token,
			"id":    c.HexID(),
		})
	}

	t, err := identity.ParseToken(a.Value)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(map[string]any{
		"type":  "token",
		"token": t,
	})
}

func parseEnumMethod(name string) (p11.EnumMethod, error) {
	m, err := p11.ParseEnumMethod(name)
	if err != nil {
		return m, errors.WithMessage(err, "invalid --method")
	}
	return m, nil
}
