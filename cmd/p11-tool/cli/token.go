package cli

import (
	"fmt"

	"github.com/effective-security/p11helper/x/print"
)

// ProviderCmd is the parent for provider commands
type ProviderCmd struct {
	List ProviderListCmd `cmd:"" help:"list registered providers"`
}

// ProviderListCmd prints providers
type ProviderListCmd struct {
	JSON bool `help:"print in JSON format"`
}

// Run the command
func (a *ProviderListCmd) Run(ctx *Cli) error {
	p, err := ctx.P11()
	if err != nil {
		return err
	}

	list := p.Providers()
	if a.JSON {
		return ctx.WriteJSON(list)
	}
	print.Providers(ctx.Writer(), list)
	return nil
}

// TokenCmd is the parent for token commands
type TokenCmd struct {
	List TokenListCmd `cmd:"" help:"list tokens"`
}

// TokenListCmd prints tokens
type TokenListCmd struct {
	Method string `help:"enumeration method: cache, cache_exist, reload" default:"reload" enum:"cache,cache_exist,reload"`
	JSON   bool   `help:"print in JSON format"`
}

// Run the command
func (a *TokenListCmd) Run(ctx *Cli) error {
	method, err := parseEnumMethod(a.Method)
	if err != nil {
		return err
	}
	p, err := ctx.P11()
	if err != nil {
		return err
	}

	list, err := p.EnumTokenIDs(method)
	if err != nil {
		return err
	}
	if a.JSON {
		type tokenView struct {
			ID           string `json:"id"`
			Display      string `json:"display"`
			Manufacturer string `json:"manufacturer"`
			Model        string `json:"model"`
			Serial       string `json:"serial"`
			Label        string `json:"label"`
		}
		res := make([]tokenView, 0, len(list))
		for _, t := range list {
			res = append(res, tokenView{
				ID:           t.Serialize(),
				Display:      t.Display,
				Manufacturer: t.Manufacturer,
				Model:        t.Model,
				Serial:       t.Serial,
				Label:        t.Label,
			})
		}
		return ctx.WriteJSON(res)
	}

	if len(list) == 0 {
		fmt.Fprintln(ctx.Writer(), "no tokens found")
		return nil
	}
	print.Tokens(ctx.Writer(), list)
	return nil
}
