package authsession

// RedirectCatcher holds at most one redirect requested during a facade call.
// A later request overwrites an earlier one.
type RedirectCatcher struct {
	url     string
	pending bool
}

// OnRedirectRequested records url. No I/O happens here.
func (c *RedirectCatcher) OnRedirectRequested(url string) {
	c.url = url
	c.pending = true
}

// TakePendingRedirect returns the pending redirect and clears it.
func (c *RedirectCatcher) TakePendingRedirect() (string, bool) {
	if !c.pending {
		return "", false
	}
	url := c.url
	c.url, c.pending = "", false
	return url, true
}
