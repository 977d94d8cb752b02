package cli

import (
	"crypto"
	_ "crypto/sha256" // register hash
	_ "crypto/sha512" // register hash
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/certutil"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/p11helper/x/print"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CertCmd is the parent for certificate commands
type CertCmd struct {
	List    CertListCmd    `cmd:"" help:"list certificates"`
	Info    CertInfoCmd    `cmd:"" help:"print certificate information"`
	Export  CertExportCmd  `cmd:"" help:"export certificate in PEM format"`
	Sign    CertSignCmd    `cmd:"" help:"sign data with the certificate's private key"`
	Decrypt CertDecryptCmd `cmd:"" help:"decrypt data with the certificate's private key"`
}

// CertListCmd prints certificate identities
type CertListCmd struct {
	Token  string `help:"serialized token ID (optional)"`
	Method string `help:"enumeration method: cache, cache_exist, reload" default:"reload" enum:"cache,cache_exist,reload"`
	JSON   bool   `help:"print in JSON format"`
}

type certView struct {
	ID      string `json:"id"`
	Display string `json:"display"`
	Token   string `json:"token"`
}

func certViews(list []*identity.Certificate) []certView {
	res := make([]certView, 0, len(list))
	for _, c := range list {
		res = append(res, certView{
			ID:      c.Serialize(),
			Display: c.Display,
			Token:   c.Token.Display,
		})
	}
	return res
}

// Run the command
func (a *CertListCmd) Run(ctx *Cli) error {
	method, err := parseEnumMethod(a.Method)
	if err != nil {
		return err
	}
	p, err := ctx.P11()
	if err != nil {
		return err
	}

	var issuers, ends []*identity.Certificate
	if a.Token != "" {
		token, err := identity.ParseToken(a.Token)
		if err != nil {
			return err
		}
		issuers, ends, err = p.EnumTokenCertificateIDs(token, method, nil, ctx.PromptMask())
		if err != nil {
			return err
		}
	} else {
		issuers, ends, err = p.EnumCertificateIDs(method, nil, ctx.PromptMask())
		if err != nil {
			return err
		}
	}

	if a.JSON {
		return ctx.WriteJSON(map[string][]certView{
			"issuers":      certViews(issuers),
			"end_entities": certViews(ends),
		})
	}
	print.CertificateIDs(ctx.Writer(), "Issuers", issuers)
	print.CertificateIDs(ctx.Writer(), "End-entities", ends)
	return nil
}

// CertInfoCmd prints certificate details
type CertInfoCmd struct {
	ID      string `required:"" help:"serialized certificate ID"`
	Verbose bool   `short:"v" help:"print more details"`
}

// Run the command
func (a *CertInfoCmd) Run(ctx *Cli) error {
	cert, crt, err := openParsed(ctx, a.ID)
	if err != nil {
		return err
	}
	defer cert.Free()

	print.Certificate(ctx.Writer(), crt, a.Verbose)

	caps, err := cert.Capabilities()
	if err != nil {
		fmt.Fprintf(ctx.Writer(), "  Private key: none\n")
		logger.KV(xlog.DEBUG, "reason", "capabilities", "err", err.Error())
		return nil
	}
	fmt.Fprintf(ctx.Writer(), "  Private key: %s\n", caps)
	return nil
}

// CertExportCmd exports certificate
type CertExportCmd struct {
	ID       string `required:"" help:"serialized certificate ID"`
	Out      string `help:"output file, by default stdout"`
	Comments bool   `help:"add subject and issuer comments"`
}

// Run the command
func (a *CertExportCmd) Run(ctx *Cli) error {
	cert, crt, err := openParsed(ctx, a.ID)
	if err != nil {
		return err
	}
	defer cert.Free()

	if a.Out == "" {
		return certutil.EncodeToPEM(ctx.Writer(), a.Comments, crt)
	}

	pem, err := certutil.EncodeToPEMString(a.Comments, crt)
	if err != nil {
		return err
	}
	if err = os.WriteFile(a.Out, []byte(pem), 0o644); err != nil {
		return errors.WithMessagef(err, "unable to write file")
	}
	return nil
}

// CertSignCmd signs data
type CertSignCmd struct {
	ID   string `required:"" help:"serialized certificate ID"`
	In   string `required:"" help:"file with data to sign, or - for stdin"`
	Hash string `help:"hash algorithm to digest the data: none, sha256, sha384, sha512" default:"sha256" enum:"none,sha256,sha384,sha512"`
}

// Run the command
func (a *CertSignCmd) Run(ctx *Cli) error {
	data, err := ctx.ReadFile(a.In)
	if err != nil {
		return err
	}

	cert, crt, err := openParsed(ctx, a.ID)
	if err != nil {
		return err
	}
	defer cert.Free()

	mech, toSign, err := signInput(crt.PublicKeyAlgorithm, a.Hash, data)
	if err != nil {
		return err
	}

	sig, err := cert.SignData(mech, toSign)
	if err != nil {
		return errors.WithMessage(err, "unable to sign")
	}
	fmt.Fprintln(ctx.Writer(), base64.StdEncoding.EncodeToString(sig))
	return nil
}

// CertDecryptCmd decrypts data
type CertDecryptCmd struct {
	ID string `required:"" help:"serialized certificate ID"`
	In string `required:"" help:"file with base64 encoded data to decrypt, or - for stdin"`
}

// Run the command
func (a *CertDecryptCmd) Run(ctx *Cli) error {
	b64, err := ctx.ReadFile(a.In)
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b64)))
	if err != nil {
		return errors.WithMessage(err, "invalid base64 input")
	}

	cert, crt, err := openParsed(ctx, a.ID)
	if err != nil {
		return err
	}
	defer cert.Free()

	if crt.PublicKeyAlgorithm != x509.RSA {
		return errors.Errorf("decryption is not supported for %s key", crt.PublicKeyAlgorithm)
	}

	plain, err := cert.DecryptData(pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), data)
	if err != nil {
		return errors.WithMessage(err, "unable to decrypt")
	}
	_, err = ctx.Writer().Write(plain)
	return errors.WithStack(err)
}

func openParsed(ctx *Cli, id string) (*p11.Certificate, *x509.Certificate, error) {
	cert, err := ctx.OpenCertificate(id)
	if err != nil {
		return nil, nil, err
	}
	blob, err := cert.Blob()
	if err == nil {
		var crt *x509.Certificate
		crt, err = certutil.ParseDER(blob)
		if err == nil {
			return cert, crt, nil
		}
	}
	cert.Free()
	return nil, nil, err
}

var hashes = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// signInput returns the mechanism and the input of the raw signature:
// DigestInfo for RSA PKCS#1 v1.5, and the digest for ECDSA
func signInput(alg x509.PublicKeyAlgorithm, hashName string, data []byte) (*pkcs11.Mechanism, []byte, error) {
	digest := data
	h, hashed := hashes[hashName]
	if hashed {
		hf := h.New()
		hf.Write(data)
		digest = hf.Sum(nil)
	}

	switch alg {
	case x509.RSA:
		if hashed {
			info, err := digestInfo(h, digest)
			if err != nil {
				return nil, nil, err
			}
			digest = info
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), digest, nil
	case x509.ECDSA:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	default:
		return nil, nil, errors.Errorf("signing is not supported for %s key", alg)
	}
}

// digestInfo returns DER encoded DigestInfo of PKCS#1
func digestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := hashOIDs[h]
	if !ok {
		return nil, errors.Errorf("unsupported hash: %s", h)
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})
	res, err := b.Bytes()
	return res, errors.WithStack(err)
}
