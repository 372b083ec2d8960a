package command

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/routing"
)

const defaultDialTimeout = 10 * time.Second

// TLSConfig holds connector TLS configuration
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// Options configures a GNMIClient
type Options struct {
	Username    string
	Password    string
	TLS         *TLSConfig
	DialTimeout time.Duration
	// Allowed is the closed set of command names; empty allows any name
	Allowed []string
	// DialOptions are appended to the generated options
	DialOptions []grpc.DialOption
}

// GNMIClient invokes device commands as gNMI Set requests sent to the
// device's connector. The device is addressed through the gNMI target and
// the command through /commands/command[name=<name>]/invoke.
type GNMIClient struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	allowed map[string]bool

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // endpoint -> connection
}

// NewGNMIClient creates a client; connections are dialed lazily per endpoint.
func NewGNMIClient(opts Options, m *metrics.Metrics, log zerolog.Logger) *GNMIClient {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	allowed := make(map[string]bool, len(opts.Allowed))
	for _, name := range opts.Allowed {
		allowed[name] = true
	}
	return &GNMIClient{
		opts:    opts,
		log:     log.With().Str("component", "command-client").Logger(),
		metrics: m,
		allowed: allowed,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Invoke sends one command and waits at most timeout for its acknowledgement.
func (c *GNMIClient) Invoke(ctx context.Context, route routing.Entry, name string, payload []byte, timeout time.Duration) Result {
	start := time.Now()
	res := c.invoke(ctx, route, name, payload, timeout)
	res.Latency = time.Since(start)

	c.metrics.CommandInvoked(name, string(res.Kind), res.Latency)
	c.log.Debug().
		Str("device_id", route.DeviceID).
		Str("connector_id", route.ConnectorID).
		Str("command", name).
		Str("result", string(res.Kind)).
		Str("detail", res.Detail).
		Dur("latency", res.Latency).
		Msg("command invoked")
	return res
}

func (c *GNMIClient) invoke(ctx context.Context, route routing.Entry, name string, payload []byte, timeout time.Duration) Result {
	if len(c.allowed) > 0 && !c.allowed[name] {
		return Result{Kind: Rejected, Detail: fmt.Sprintf("command %s is not allowed", name)}
	}

	req, err := setRequest(route.DeviceID, name, payload)
	if err != nil {
		return Result{Kind: Rejected, Detail: err.Error()}
	}

	c.log.Trace().
		Str("device_id", route.DeviceID).
		Str("path", pathToString(req.Update[0].Path)).
		Msg("sending command")

	conn, err := c.conn(route.Endpoint)
	if err != nil {
		return Result{Kind: TransportError, Detail: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := gnmi.NewGNMIClient(conn).Set(callCtx, req); err != nil {
		return classify(err)
	}
	return Result{Kind: Acked}
}

// conn returns the cached connection for endpoint, dialing on first use.
// Dialing is non-blocking so the command timeout bounds connection setup too.
func (c *GNMIClient) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}

	opts, err := c.dialOptions()
	if err != nil {
		return nil, fmt.Errorf("dial options: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial connector %s: %w", endpoint, err)
	}
	c.conns[endpoint] = conn

	c.log.Info().Str("endpoint", endpoint).Msg("connector channel opened")
	return conn, nil
}

// Close closes every cached connector connection
func (c *GNMIClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for endpoint, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", endpoint, err))
		}
		delete(c.conns, endpoint)
	}
	return errors.Join(errs...)
}

// classify maps a gRPC error onto a result kind. Hub-level refusals are
// Rejected; anything that did not reach a decision is a TransportError.
func classify(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Kind: TimedOut, Detail: err.Error()}
	}

	st, ok := status.FromError(err)
	if !ok {
		return Result{Kind: TransportError, Detail: err.Error()}
	}

	detail := fmt.Sprintf("%s: %s", st.Code(), st.Message())
	switch st.Code() {
	case codes.DeadlineExceeded:
		return Result{Kind: TimedOut, Detail: detail}
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.FailedPrecondition,
		codes.Aborted,
		codes.OutOfRange,
		codes.Unimplemented:
		return Result{Kind: Rejected, Detail: detail}
	default:
		return Result{Kind: TransportError, Detail: detail}
	}
}

// setRequest builds the gNMI Set carrying one command invocation
func setRequest(deviceID, name string, payload []byte) (*gnmi.SetRequest, error) {
	if strings.ContainsAny(name, "[]/=") || name == "" {
		return nil, fmt.Errorf("invalid command name %q", name)
	}
	path, err := parsePath(fmt.Sprintf("/commands/command[name=%s]/invoke", name))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return &gnmi.SetRequest{
		Prefix: &gnmi.Path{Target: deviceID},
		Update: []*gnmi.Update{{
			Path: path,
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: payload}},
		}},
	}, nil
}

// dialOptions builds gRPC dial options
func (c *GNMIClient) dialOptions() ([]grpc.DialOption, error) {
	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}

	// Basic auth per RPC when credentials are configured
	if c.opts.Username != "" || c.opts.Password != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{username: c.opts.Username, password: c.opts.Password}))
	}

	return append(opts, c.opts.DialOptions...), nil
}

// transportCredentials returns appropriate transport credentials
func (c *GNMIClient) transportCredentials() (credentials.TransportCredentials, error) {
	t := c.opts.TLS
	if t == nil || !t.Enabled {
		return insecure.NewCredentials(), nil
	}

	certPool, err := loadCertPool(t.CAFile)
	if err != nil {
		return nil, err
	}
	certs, err := loadClientCert(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:            certPool,
		Certificates:       certs,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}), nil
}

// loadCertPool loads CA certificates
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs")
	}
	return pool, nil
}

// loadClientCert loads client certificate and key
func loadClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

// basicAuth implements gRPC PerRPCCredentials for basic auth
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	auth := b.username + ":" + b.password
	return map[string]string{
		"authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(auth)),
	}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

// parsePath parses a string path into a gNMI Path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		kv := strings.SplitN(name[open+1:end], "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", name[open+1:end])
		}
		keys[kv[0]] = kv[1]
		name = name[:open] + name[end+1:]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString renders a gNMI path as /elem[key=value]/...
func pathToString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) == 0 {
			continue
		}
		keys := make([]string, 0, len(elem.Key))
		for k := range elem.Key {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("[")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(elem.Key[k])
			b.WriteString("]")
		}
	}
	return b.String()
}
