// Package config resolves CLI flags into a validated configuration,
// grounded on original_source/rust/src/config.rs: mutually-exclusive input
// transports, output-transport inference, and the "--cors with no value
// means allow-all" parsing quirk that github.com/jessevdk/go-flags cannot
// express through struct tags alone.
package config

import (
	"fmt"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/supergateway/supergateway/internal/cors"
	"github.com/supergateway/supergateway/internal/errs"
)

// OutputTransport names the four transports supergateway can speak on its
// outbound (server-facing-a-client) side.
type OutputTransport string

const (
	OutputStdio          OutputTransport = "stdio"
	OutputSSE            OutputTransport = "sse"
	OutputWS             OutputTransport = "ws"
	OutputStreamableHTTP OutputTransport = "streamableHttp"
)

// LogLevel mirrors spec.md §6's --logLevel values.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogNone  LogLevel = "none"
)

// rawFlags is the go-flags struct tag surface; Config below is the
// resolved, validated form consumers actually use.
type rawFlags struct {
	Stdio              string   `long:"stdio" description:"command to run an MCP stdio server"`
	SSE                string   `long:"sse" description:"URL of a remote legacy-SSE MCP server"`
	StreamableHTTP     string   `long:"streamableHttp" description:"URL of a remote Streamable HTTP MCP server"`
	OutputTransport    string   `long:"outputTransport" description:"stdio|sse|ws|streamableHttp"`
	Port               int      `long:"port" default:"8000"`
	BaseURL            string   `long:"baseUrl"`
	SSEPath            string   `long:"ssePath" default:"/sse"`
	MessagePath        string   `long:"messagePath" default:"/message"`
	StreamableHTTPPath string   `long:"streamableHttpPath" default:"/mcp"`
	Stateful           bool     `long:"stateful"`
	SessionTimeout     int64    `long:"sessionTimeout" default:"60000"`
	Header             []string `long:"header"`
	OAuth2Bearer       string   `long:"oauth2Bearer"`
	LogLevel           string   `long:"logLevel" default:"info"`
	CORS               []string `long:"cors" optional:"true" optional-value:"*"`
	HealthEndpoint     []string `long:"healthEndpoint"`
	ProtocolVersion    string   `long:"protocolVersion" default:"2024-11-05"`
	RuntimePrompt      bool     `long:"runtimePrompt"`
	RuntimeAdminPort   int      `long:"runtimeAdminPort" default:"0"`
}

// Config is the resolved, validated configuration one cmd/supergateway
// run operates from.
type Config struct {
	Stdio               string
	SSE                 string
	StreamableHTTP      string
	OutputTransport     OutputTransport
	Port                int
	BaseURL             string
	SSEPath             string
	MessagePath         string
	StreamableHTTPPath  string
	Stateful            bool
	SessionTimeoutMS    int64
	Headers             map[string]string
	OAuth2Bearer        string
	LogLevel            LogLevel
	CORS                cors.Config
	HealthEndpoints     []string
	ProtocolVersion     string
	RuntimePrompt       bool
	RuntimeAdminPort    int
}

// Parse parses args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (Config, error) {
	var raw rawFlags
	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return Config{}, errs.Wrap(errs.KindConfig, "parse flags", err)
	}

	active := 0
	for _, v := range []string{raw.Stdio, raw.SSE, raw.StreamableHTTP} {
		if v != "" {
			active++
		}
	}
	if active == 0 {
		return Config{}, errs.New(errs.KindConfig, "you must specify one of --stdio, --sse, or --streamableHttp")
	}
	if active > 1 {
		return Config{}, errs.New(errs.KindConfig, "specify only one of --stdio, --sse, or --streamableHttp")
	}

	outputTransport, err := resolveOutputTransport(raw)
	if err != nil {
		return Config{}, err
	}

	logLevel := LogLevel(raw.LogLevel)
	switch logLevel {
	case LogDebug, LogInfo, LogNone:
	default:
		return Config{}, errs.New(errs.KindConfig, fmt.Sprintf("invalid --logLevel %q", raw.LogLevel))
	}

	if raw.SessionTimeout <= 0 {
		return Config{}, errs.New(errs.KindConfig, "sessionTimeout must be a positive number")
	}
	if raw.RuntimeAdminPort < 0 || raw.RuntimeAdminPort > 65535 {
		return Config{}, errs.New(errs.KindConfig, "runtimeAdminPort must be in 0..=65535")
	}

	headers, err := parseHeaders(raw.Header, raw.OAuth2Bearer)
	if err != nil {
		return Config{}, err
	}

	healthEndpoints := make([]string, 0, len(raw.HealthEndpoint))
	for _, ep := range raw.HealthEndpoint {
		if ep != "" {
			healthEndpoints = append(healthEndpoints, ep)
		}
	}

	return Config{
		Stdio:              raw.Stdio,
		SSE:                raw.SSE,
		StreamableHTTP:     raw.StreamableHTTP,
		OutputTransport:    outputTransport,
		Port:               raw.Port,
		BaseURL:            raw.BaseURL,
		SSEPath:            raw.SSEPath,
		MessagePath:        raw.MessagePath,
		StreamableHTTPPath: raw.StreamableHTTPPath,
		Stateful:           raw.Stateful,
		SessionTimeoutMS:   raw.SessionTimeout,
		Headers:            headers,
		OAuth2Bearer:       raw.OAuth2Bearer,
		LogLevel:           logLevel,
		CORS:               resolveCORS(raw.CORS),
		HealthEndpoints:    healthEndpoints,
		ProtocolVersion:    raw.ProtocolVersion,
		RuntimePrompt:      raw.RuntimePrompt,
		RuntimeAdminPort:   raw.RuntimeAdminPort,
	}, nil
}

func resolveOutputTransport(raw rawFlags) (OutputTransport, error) {
	if raw.OutputTransport != "" {
		switch OutputTransport(raw.OutputTransport) {
		case OutputStdio, OutputSSE, OutputWS, OutputStreamableHTTP:
			return OutputTransport(raw.OutputTransport), nil
		default:
			return "", errs.New(errs.KindConfig, fmt.Sprintf("invalid --outputTransport %q", raw.OutputTransport))
		}
	}
	switch {
	case raw.Stdio != "":
		return OutputSSE, nil
	case raw.SSE != "", raw.StreamableHTTP != "":
		return OutputStdio, nil
	default:
		return "", errs.New(errs.KindConfig, "outputTransport must be specified or inferable from the input transport")
	}
}

// resolveCORS implements spec.md §6's quirky --cors grammar: absent flag =
// disabled; present with no value = allow-all; present with "*" = allow-all;
// present with one or more values = an explicit allow list (literal or
// "/regex/").
func resolveCORS(values []string) cors.Config {
	if values == nil {
		return cors.Config{Present: false}
	}
	if len(values) == 0 {
		return cors.Config{Present: true, AllowAll: true}
	}
	for _, v := range values {
		if v == "*" {
			return cors.Config{Present: true, AllowAll: true}
		}
	}
	return cors.Config{Present: true, Origins: values}
}

func parseHeaders(raw []string, bearer string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, h := range raw {
		key, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, errs.New(errs.KindConfig, fmt.Sprintf("invalid --header %q, expected \"K: V\"", h))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		headers[key] = value
	}
	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}
	return headers, nil
}
