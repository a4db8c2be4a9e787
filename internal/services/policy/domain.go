package policy

import "strings"

// multiPartTLDs lists public suffixes made of two labels, so registrable
// domains under them keep three labels (site.co.uk, not co.uk).
var multiPartTLDs = map[string]struct{}{
	"co.uk":  {},
	"org.uk": {},
	"ac.uk":  {},
	"gov.uk": {},
	"me.uk":  {},
	"com.au": {},
	"net.au": {},
	"org.au": {},
	"co.nz":  {},
	"net.nz": {},
	"org.nz": {},
	"co.jp":  {},
	"or.jp":  {},
	"ne.jp":  {},
	"ac.jp":  {},
	"com.br": {},
	"net.br": {},
	"org.br": {},
	"com.mx": {},
	"com.ar": {},
	"com.co": {},
	"com.sg": {},
	"com.my": {},
	"com.hk": {},
	"com.tw": {},
	"co.in":  {},
	"net.in": {},
	"org.in": {},
	"co.za":  {},
	"com.tr": {},
	"com.cn": {},
	"net.cn": {},
	"org.cn": {},
	"co.kr":  {},
	"or.kr":  {},
	"com.ua": {},
	"co.il":  {},
	"com.pl": {},
	"com.ru": {},
	"com.vn": {},
	"co.th":  {},
	"co.id":  {},
	"com.ph": {},
	"com.pk": {},
	"com.eg": {},
	"com.sa": {},
	"com.ng": {},
}

// registrableDomain reduces a hostname to its registrable domain:
// "blog.site.co.uk" becomes "site.co.uk", "a.b.example.com" becomes
// "example.com". Bare or single-label hosts come back unchanged.
func registrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if _, ok := multiPartTLDs[suffix]; ok {
		if len(labels) < 3 {
			return host
		}
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return suffix
}

// baseDomain strips the public suffix from a registrable domain, leaving
// the brand label: "facebook.co.uk" and "facebook.com" both yield
// "facebook".
func baseDomain(host string) string {
	reg := registrableDomain(host)
	if i := strings.Index(reg, "."); i > 0 {
		return reg[:i]
	}
	return reg
}

// stripWWW drops a leading "www." label for host comparisons.
func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
