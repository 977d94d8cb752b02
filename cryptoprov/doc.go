// Package cryptoprov loads the configuration of the token layer,
// and builds p11.Context with the configured providers.
//
// The configuration is a YAML or JSON file:
//
//	engine: x509
//	pin_cache_period: 15m
//	max_login_retries: 3
//	protected_authentication: true
//	defaults:
//	  slot_event_method: auto
//	  slot_poll_interval: 5s
//	providers:
//	  - name: softhsm
//	    path: /usr/lib/softhsm/libsofthsm2.so
//	  - name: card
//	    path: /usr/lib/opensc-pkcs11.so
//	    private_mask: [sign, decrypt]
//	    cert_is_private: true
//
// The defaults are applied to every provider,
// and the values set on a provider take precedence.
package cryptoprov
