package certutil

import (
	"crypto/x509/pkix"
	"strings"
)

const certTimeFormat = "Jan _2 15:04:05 2006 MST"

// NameToString converts Name to the one-line form:
// /C=US/ST=WA/L=Seattle/O=org/OU=unit/CN=name
func NameToString(name *pkix.Name) string {
	var b strings.Builder

	add := func(key string, values ...string) {
		for _, v := range values {
			b.WriteString("/")
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(v)
		}
	}

	add("C", name.Country...)
	add("ST", name.Province...)
	add("L", name.Locality...)
	add("O", name.Organization...)
	add("OU", name.OrganizationalUnit...)
	if name.CommonName != "" {
		add("CN", name.CommonName)
	}
	if name.SerialNumber != "" {
		add("SERIALNUMBER", name.SerialNumber)
	}

	return b.String()
}
