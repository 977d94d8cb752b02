// Package print provides helpers to print the token layer objects
package print

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/effective-security/p11helper/certutil"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11"
)

func printIfNotEmpty(w io.Writer, label, val string) {
	if val != "" {
		fmt.Fprintf(w, "  %s: %s\n", label, val)
	}
}

// Providers prints the registered providers
func Providers(w io.Writer, list []p11.ProviderInfo) {
	for _, p := range list {
		fmt.Fprintf(w, "Provider: %s\n", p.Name)
		fmt.Fprintf(w, "  Path: %s\n", p.Path)
		printIfNotEmpty(w, "Manufacturer", p.Manufacturer)
		fmt.Fprintf(w, "  Enabled: %t\n", p.Enabled)
		fmt.Fprintf(w, "  Slot events: %s\n", p.Options.SlotEventMethod)
		if p.Options.PrivateMask != p11.PrivateAuto {
			fmt.Fprintf(w, "  Private mask: %s\n", p.Options.PrivateMask)
		}
		if p.Options.CertIsPrivate {
			fmt.Fprintf(w, "  Private certificates: true\n")
		}
		if p.SlotWatch {
			fmt.Fprintf(w, "  Slot watch: running\n")
		}
	}
}

// Tokens prints the token identities
func Tokens(w io.Writer, list []*identity.Token) {
	for _, t := range list {
		fmt.Fprintf(w, "Token: %s\n", t.Display)
		printIfNotEmpty(w, "Manufacturer", t.Manufacturer)
		printIfNotEmpty(w, "Model", t.Model)
		printIfNotEmpty(w, "Serial", t.Serial)
		fmt.Fprintf(w, "  ID: %s\n", t.Serialize())
	}
}

// CertificateIDs prints the certificate identities under the title
func CertificateIDs(w io.Writer, title string, list []*identity.Certificate) {
	fmt.Fprintf(w, "%s: %d\n", title, len(list))
	for _, c := range list {
		fmt.Fprintf(w, "  %s\n", c.Display)
		fmt.Fprintf(w, "    Token: %s\n", c.Token.Display)
		fmt.Fprintf(w, "    ID: %s\n", c.Serialize())
	}
}

// Certificate prints the certificate details
func Certificate(w io.Writer, crt *x509.Certificate, verbose bool) {
	now := time.Now()
	issuedIn := now.Sub(crt.NotBefore) / time.Minute * time.Minute
	expiresIn := crt.NotAfter.Sub(now) / time.Minute * time.Minute

	fmt.Fprintf(w, "Subject: %s\n", certutil.NameToString(&crt.Subject))
	fmt.Fprintf(w, "  Issuer: %s\n", certutil.NameToString(&crt.Issuer))
	fmt.Fprintf(w, "  Serial: %s\n", crt.SerialNumber.String())
	fmt.Fprintf(w, "  Issued: %s (%s ago)\n", crt.NotBefore.Format(time.RFC3339), issuedIn.String())
	fmt.Fprintf(w, "  Expires: %s (in %s)\n", crt.NotAfter.Format(time.RFC3339), expiresIn.String())
	fmt.Fprintf(w, "  CA: %t\n", crt.IsCA)

	if ki, err := certutil.PublicKeyInfo(crt.PublicKey); err == nil {
		fmt.Fprintf(w, "  Key: %s\n", ki)
	} else {
		fmt.Fprintf(w, "  ERROR: %s\n", err.Error())
	}

	if verbose {
		printIfNotEmpty(w, "SKID", hex.EncodeToString(crt.SubjectKeyId))
		printIfNotEmpty(w, "IKID", hex.EncodeToString(crt.AuthorityKeyId))
		if len(crt.DNSNames) > 0 {
			fmt.Fprintf(w, "  DNS Names: %s\n", strings.Join(crt.DNSNames, ", "))
		}
		if len(crt.EmailAddresses) > 0 {
			fmt.Fprintf(w, "  Emails: %s\n", strings.Join(crt.EmailAddresses, ", "))
		}
	}
}
