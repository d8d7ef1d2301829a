package rules

import (
	"net/http"
	"net/url"
	"time"
)

// VisitHistory is a read handle to a visitor's durable page-visit counters.
// It is the only piece of visitor state a rule may observe.
type VisitHistory interface {
	// VisitCount returns the recorded visit count for a page path,
	// zero when the path has never been visited.
	VisitCount(path string) int
}

// Context bundles every request signal a rule may test against.
//
// A live request fills all fields. The static population path builds a
// synthetic context from durable records instead: only Now, Authenticated and
// Visits are populated there, which is sufficient for static rules by
// definition.
type Context struct {
	// Now is the wall-clock time of the evaluation.
	Now time.Time

	// Path is the request path of the page being served.
	Path string

	// Referrer is the Referer header value, empty when absent.
	Referrer string

	// UserAgent is the User-Agent header value, empty when absent.
	UserAgent string

	// Header gives rules access to detection headers (geolocation etc).
	Header http.Header

	// Query holds the parsed query string parameters.
	Query url.Values

	// Authenticated reports whether the visitor carries an identity.
	Authenticated bool

	// RemoteIP is the client address as resolved by the RealIP middleware.
	RemoteIP string

	// Visits is the visitor's durable page-visit history.
	Visits VisitHistory
}

// FromRequest builds an evaluation context from a live HTTP request.
func FromRequest(r *http.Request, authenticated bool, visits VisitHistory) *Context {
	return &Context{
		Now:           time.Now(),
		Path:          r.URL.Path,
		Referrer:      r.Referer(),
		UserAgent:     r.UserAgent(),
		Header:        r.Header,
		Query:         r.URL.Query(),
		Authenticated: authenticated,
		RemoteIP:      r.RemoteAddr,
		Visits:        visits,
	}
}

// Synthetic builds the evaluation context used by static segment population:
// no live request exists, only the identity's durable visit history.
func Synthetic(now time.Time, visits VisitHistory) *Context {
	return &Context{
		Now:           now,
		Authenticated: true,
		Visits:        visits,
	}
}

// NoVisits is a VisitHistory with no recorded visits.
type NoVisits struct{}

// VisitCount always returns zero.
func (NoVisits) VisitCount(string) int { return 0 }
