package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/cryptoprov"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/p11helper/x/secret"
	"github.com/effective-security/x/ctl"
	xprint "github.com/effective-security/x/print"
	"github.com/effective-security/xlog"
	"golang.org/x/term"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11helper", "cli")

// maxTokenPrompts is the number of times the user is asked to insert a token
const maxTokenPrompts = 3

// Cli provides CLI context to run commands
type Cli struct {
	Version  ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`
	Cfg      string          `help:"Location of PKCS#11 config file" type:"path"`
	Debug    bool            `short:"D" help:"Enable debug mode"`
	LogLevel string          `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`
	Pin      string          `help:"Token PIN, or file:<path> or env:<name>"`
	Prompt   *bool           `help:"Allow to prompt for PIN and token insertion" default:"true"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	p11 *p11.Context
	// pin is loaded from the pinSource flag value on first prompt
	pin       []byte
	pinSource string
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	xprint.JSON(c.Writer(), value)
	return nil
}

// ReadFile reads from stdin if the file is "-"
func (c *Cli) ReadFile(filename string) ([]byte, error) {
	if filename == "" {
		return nil, errors.New("empty file name")
	}
	if filename == "-" {
		b, err := io.ReadAll(c.Reader())
		return b, errors.WithStack(err)
	}
	b, err := os.ReadFile(filename)
	return b, errors.WithStack(err)
}

// PromptMask returns the prompts allowed by --prompt flag
func (c *Cli) PromptMask() p11.PromptMask {
	if c.Prompt != nil && !*c.Prompt {
		return p11.PromptNone
	}
	return p11.PromptAllowAll
}

// P11 returns the token layer context, loaded from the config on first use
func (c *Cli) P11() (*p11.Context, error) {
	if c.p11 != nil {
		return c.p11, nil
	}
	if c.Cfg == "" {
		return nil, errors.New("use --cfg flag to specify PKCS#11 config file")
	}

	ctx, err := cryptoprov.LoadFile(c.Cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to initialize PKCS#11 providers")
	}
	c.setContext(ctx)
	return ctx, nil
}

func (c *Cli) setContext(ctx *p11.Context) {
	ctx.SetPINPromptHook(c.promptPIN, nil)
	ctx.SetTokenPromptHook(c.promptToken, nil)
	ctx.SetLogHook(c.logHook, nil)
	c.p11 = ctx
}

// Close releases the token layer context
func (c *Cli) Close() {
	if c.p11 != nil {
		if err := c.p11.Terminate(); err != nil {
			logger.KV(xlog.ERROR, "reason", "terminate", "err", err.Error())
		}
		c.p11 = nil
	}
	secret.Zero(c.pin)
	c.pin = nil
}

// OpenCertificate returns the certificate by the serialized identity,
// the caller must Free it
func (c *Cli) OpenCertificate(id string) (*p11.Certificate, error) {
	certID, err := identity.ParseCertificate(id)
	if err != nil {
		return nil, err
	}
	ctx, err := c.P11()
	if err != nil {
		return nil, err
	}
	return ctx.NewCertificate(certID, nil, c.PromptMask(), ctx.PINCachePeriod())
}

func (c *Cli) logHook(_ any, level xlog.LogLevel, msg string) {
	if level <= xlog.WARNING {
		fmt.Fprintf(c.ErrWriter(), "%s\n", msg)
	}
}

func (c *Cli) promptPIN(_, _ any, token *identity.Token, retry int) ([]byte, bool) {
	if c.Pin != "" {
		// a wrong PIN from the flag is not tried again
		if retry > 0 {
			return nil, false
		}
		if c.pin == nil || c.pinSource != c.Pin {
			pin, err := loadPIN(c.Pin)
			if err != nil {
				logger.KV(xlog.ERROR, "reason", "pin", "err", err.Error())
				return nil, false
			}
			secret.Zero(c.pin)
			c.pin, c.pinSource = pin, c.Pin
		}
		// the token layer zeroes the returned PIN after login
		return secret.Dup(c.pin), true
	}

	fd := int(os.Stdin.Fd())
	if c.stdin != nil || !term.IsTerminal(fd) {
		return nil, false
	}
	if retry > 0 {
		fmt.Fprintf(c.ErrWriter(), "Incorrect PIN\n")
	}
	fmt.Fprintf(c.ErrWriter(), "Enter PIN for %s: ", token.Display)
	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(c.ErrWriter())
	if err != nil {
		return nil, false
	}
	return pin, true
}

func (c *Cli) promptToken(_, _ any, token *identity.Token, retry int) bool {
	if retry >= maxTokenPrompts {
		return false
	}
	fmt.Fprintf(c.ErrWriter(), "Insert token %s and press Enter: ", token.Display)
	_, err := bufio.NewReader(c.Reader()).ReadString('\n')
	return err == nil
}

// loadPIN returns the PIN value, from a file or environment variable
// if the value has file: or env: prefix
func loadPIN(value string) ([]byte, error) {
	switch {
	case strings.HasPrefix(value, "file:"):
		b, err := os.ReadFile(strings.TrimPrefix(value, "file:"))
		if err != nil {
			return nil, errors.WithMessage(err, "unable to load PIN")
		}
		return []byte(strings.TrimSpace(string(b))), nil
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		pin := os.Getenv(name)
		if pin == "" {
			return nil, errors.Errorf("environment variable is not set: %s", name)
		}
		return []byte(pin), nil
	default:
		return []byte(value), nil
	}
}
