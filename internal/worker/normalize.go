package worker

import (
	"net/url"

	"golang.org/x/net/idna"
)

// iriToURI converts an IRI to a fetchable URI: the host goes through
// IDNA to punycode, non-ASCII path and query bytes are
// percent-encoded by re-serialization.
func iriToURI(iri string) (string, error) {
	u, err := url.Parse(iri)
	if err != nil {
		return "", err
	}
	if u.Host != "" {
		host := u.Hostname()
		if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != host {
			if port := u.Port(); port != "" {
				u.Host = ascii + ":" + port
			} else {
				u.Host = ascii
			}
		}
	}
	return u.String(), nil
}
