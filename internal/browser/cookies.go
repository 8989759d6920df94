package browser

import (
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

func fromNetworkCookies(raw []*network.Cookie) []Cookie {
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		// CDP reports session cookies with expires -1.
		if c.Expires > 0 && !c.Session {
			ck.Expires = c.Expires
		}
		out = append(out, ck)
	}
	return out
}

func toCookieParams(cookies []Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}

// ExpiredAt reports whether every persistent cookie has expired by t.
// Session cookies never count as expired. An empty jar is expired.
func ExpiredAt(cookies []Cookie, t time.Time) bool {
	if len(cookies) == 0 {
		return true
	}
	now := float64(t.Unix())
	for _, c := range cookies {
		if c.Expires == 0 || c.Expires > now {
			return false
		}
	}
	return true
}
