package authority

import "strings"

// aliasGroup lists hosts that issue interchangeable tokens. preferredCache is
// the environment under which tokens from any member are stored.
type aliasGroup struct {
	preferredCache string
	hosts          []string
}

var knownGroups = []aliasGroup{
	{
		preferredCache: "login.windows.net",
		hosts: []string{
			"login.microsoftonline.com",
			"login.windows.net",
			"login.microsoft.com",
			"sts.windows.net",
		},
	},
	{
		preferredCache: "login.partner.microsoftonline.cn",
		hosts:          []string{"login.partner.microsoftonline.cn", "login.chinacloudapi.cn"},
	},
	{
		preferredCache: "login.microsoftonline.de",
		hosts:          []string{"login.microsoftonline.de"},
	},
	{
		preferredCache: "login.microsoftonline.us",
		hosts:          []string{"login.microsoftonline.us", "login.usgovcloudapi.net"},
	},
	{
		preferredCache: "login-us.microsoftonline.com",
		hosts:          []string{"login-us.microsoftonline.com"},
	},
}

var hostIndex = func() map[string]*aliasGroup {
	idx := make(map[string]*aliasGroup)
	for i := range knownGroups {
		for _, h := range knownGroups[i].hosts {
			idx[h] = &knownGroups[i]
		}
	}
	return idx
}()

// IsKnownHost reports whether host belongs to the built-in alias table.
func IsKnownHost(host string) bool {
	_, ok := hostIndex[strings.ToLower(host)]
	return ok
}

// Aliases returns every host equivalent to host, including host itself.
// Unknown hosts alias only themselves.
func Aliases(host string) []string {
	host = strings.ToLower(host)
	g, ok := hostIndex[host]
	if !ok {
		return []string{host}
	}
	out := make([]string, len(g.hosts))
	copy(out, g.hosts)
	return out
}

// Equivalent reports whether two hosts issue interchangeable tokens.
func Equivalent(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	ga, ok := hostIndex[a]
	return ok && ga == hostIndex[b]
}

// PreferredCache returns the environment name used when storing records for host.
func PreferredCache(host string) string {
	host = strings.ToLower(host)
	if g, ok := hostIndex[host]; ok {
		return g.preferredCache
	}
	return host
}
