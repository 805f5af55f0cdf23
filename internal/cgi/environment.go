// Package cgi builds the CGI (RFC 3875) request environment a Wasm module
// expects, and parses the CGI-style response it writes back.
package cgi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wasiogate/wagi/internal/route"
)

const (
	gatewayInterface = "CGI/1.1"
	serverSoftware   = "WAGI/1"
)

// RequestParts is the subset of an inbound HTTP request the environment
// builder needs, kept separate from *http.Request so it is trivial to
// construct in tests.
type RequestParts struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Proto      string // e.g. "HTTP/1.1"
	RemoteAddr string // textual client IP, no port
}

// BuildEnvironment produces the flat CGI environment map for a matched
// request. base is inserted first, so the built-in variables computed here
// overwrite any base entry of the same name and can never be shadowed by
// it.
func BuildEnvironment(
	pattern route.Pattern,
	req RequestParts,
	contentLength int64,
	defaultHost string,
	useTLS bool,
	base map[string]string,
) map[string]string {
	env := make(map[string]string, len(base)+24)
	for k, v := range base {
		env[k] = v
	}

	host, port := resolveHostPort(req.Header.Get("Host"), req.URL, defaultHost)

	env["AUTH_TYPE"] = ""
	env["CONTENT_LENGTH"] = strconv.FormatInt(contentLength, 10)
	env["CONTENT_TYPE"] = req.Header.Get("Content-Type")

	protocol := "http"
	if useTLS {
		protocol = "https"
	}
	env["X_FULL_URL"] = protocol + "://" + host + ":" + port + req.URL.RequestURI()

	env["GATEWAY_INTERFACE"] = gatewayInterface
	env["X_MATCHED_ROUTE"] = pattern.OriginalText()
	env["QUERY_STRING"] = req.URL.RawQuery

	env["REMOTE_ADDR"] = req.RemoteAddr
	env["REMOTE_HOST"] = req.RemoteAddr
	env["REMOTE_USER"] = ""
	env["REQUEST_METHOD"] = strings.ToUpper(req.Method)

	scriptName := pattern.ScriptName()
	env["SCRIPT_NAME"] = scriptName

	rawPathInfo := pattern.RelativePath(req.URL.Path)
	pathInfo, err := url.PathUnescape(rawPathInfo)
	if err != nil {
		pathInfo = rawPathInfo
	}
	env["X_RAW_PATH_INFO"] = rawPathInfo
	env["PATH_INFO"] = pathInfo
	env["PATH_TRANSLATED"] = pathInfo

	env["SERVER_NAME"] = host
	env["SERVER_PORT"] = port
	env["SERVER_PROTOCOL"] = req.Proto
	env["SERVER_SOFTWARE"] = serverSoftware

	for name, values := range req.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if key == "HTTP_AUTHORIZATION" || key == "HTTP_CONNECTION" {
			continue
		}
		if len(values) > 0 {
			env[key] = values[0]
		}
	}

	return env
}

// resolveHostPort implements the three-source host/port resolution: start
// from the request URI, override with a configured default host, then
// override again with the request's Host header — each override applying
// only the non-empty component it carries.
func resolveHostPort(hostHeader string, u *url.URL, defaultHost string) (host, port string) {
	host = u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port = u.Port()
	if port == "" {
		port = "80"
	}

	apply := func(hdr string) {
		h, p, found := strings.Cut(hdr, ":")
		if h != "" {
			host = h
		}
		if found && p != "" {
			port = p
		}
	}

	if defaultHost != "" {
		apply(defaultHost)
	}
	if hostHeader != "" {
		apply(hostHeader)
	}
	return host, port
}
