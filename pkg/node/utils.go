package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// BaseURL turns a listen or advertised address into the base URL clients use.
func BaseURL(addr string) string {
	return "http://" + NormalizeHostPort(addr, "8080")
}
