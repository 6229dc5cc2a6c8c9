package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/discovery"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/server"
	"github.com/NodePath81/homenet/internal/storage"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/NodePath81/homenet/internal/version"
)

const (
	maxBodyBytes      = 64 << 10
	maxListLimit      = 500
	wsTokenPrefix     = "homenet-token."
	wsPrimaryProtocol = "homenet"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type DeviceService interface {
	List() []discovery.Device
	Scan(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (discovery.Detail, error)
	Update(ctx context.Context, id string, u discovery.Update) (discovery.Device, error)
	ResolveIP(addr string) (discovery.Device, bool)
	Summary() discovery.Summary
}

type MeasurementStore interface {
	Measurements(ctx context.Context, f storage.Filter) ([]orchestrator.Result, error)
	CountMeasurements(ctx context.Context) (int64, error)
}

type TestRunner interface {
	Run(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
}

type ServerStatus interface {
	Stats() server.Stats
}

// Services are the components the control plane exposes. Nil services
// answer 503.
type Services struct {
	Devices      DeviceService
	Measurements MeasurementStore
	Tests        TestRunner
	Server       ServerStatus
	Metrics      *metrics.Metrics
}

type ControlServer struct {
	cfg      config.ControlConfig
	hostname string
	svc      Services
	logger   util.Logger
	server   *http.Server
	limiter  *rateLimiter
}

func NewControlServer(cfg config.ControlConfig, hostname string, svc Services, logger util.Logger) *ControlServer {
	return &ControlServer{
		cfg:      cfg,
		hostname: hostname,
		svc:      svc,
		logger:   logger,
		limiter:  newRateLimiter(defaultLimits, 5*time.Minute),
	}
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Handler returns the routed control API.
func (c *ControlServer) Handler() http.Handler {
	r := mux.NewRouter()
	// The stream authenticates through websocket subprotocols as well, so it
	// sits outside the bearer-only subrouter.
	r.HandleFunc("/api/speedtest/stream", c.handleSpeedtestStream).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(c.requireAuth)
	api.HandleFunc("/devices", c.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/scan", c.rateLimited(limitScan, c.handleScan)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}", c.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", c.rateLimited(limitUpdate, c.handleUpdateDevice)).Methods(http.MethodPut)
	api.HandleFunc("/measurements", c.handleMeasurements).Methods(http.MethodGet)
	api.HandleFunc("/summary", c.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/server/status", c.handleServerStatus).Methods(http.MethodGet)

	r.Handle("/identity", c.requireAuth(http.HandlerFunc(c.handleIdentity))).Methods(http.MethodGet)
	if c.cfg.Metrics.IsEnabled() {
		r.Handle("/metrics", c.requireAuth(c.svc.Metrics.Handler())).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Ok: false, Error: "method not allowed"})
	})
	return r
}

type apiResponse struct {
	Ok     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

type scanResponse struct {
	Peers   int                `json:"peers"`
	Devices []discovery.Device `json:"devices"`
}

type summaryResponse struct {
	discovery.Summary
	TotalMeasurements int64 `json:"total_measurements"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.checkAuth(r) {
			writeJSON(w, http.StatusUnauthorized, apiResponse{Ok: false, Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *ControlServer) rateLimited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := c.limiter.Allow(endpoint, clientIP(r)); !ok {
			setRetryAfter(w, wait)
			writeJSON(w, http.StatusTooManyRequests, apiResponse{Ok: false, Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, apiResponse{Ok: false, Error: what + " not available"})
}

func (c *ControlServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if c.svc.Devices == nil {
		unavailable(w, "discovery")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: c.svc.Devices.List()})
}

func (c *ControlServer) handleScan(w http.ResponseWriter, r *http.Request) {
	if c.svc.Devices == nil {
		unavailable(w, "discovery")
		return
	}
	c.logger.Info("scan requested", "client", clientIP(r))
	peers, err := c.svc.Devices.Scan(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Ok: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: scanResponse{Peers: peers, Devices: c.svc.Devices.List()}})
}

func (c *ControlServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if c.svc.Devices == nil {
		unavailable(w, "discovery")
		return
	}
	detail, err := c.svc.Devices.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: detail})
}

func (c *ControlServer) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	if c.svc.Devices == nil {
		unavailable(w, "discovery")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var u discovery.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "invalid json"})
		return
	}
	dev, err := c.svc.Devices.Update(r.Context(), mux.Vars(r)["id"], u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: dev})
}

func (c *ControlServer) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if c.svc.Measurements == nil {
		unavailable(w, "storage")
		return
	}
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: err.Error()})
		return
	}
	results, err := c.svc.Measurements.Measurements(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Ok: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: results})
}

func filterFromQuery(q url.Values) (storage.Filter, error) {
	f := storage.Filter{DeviceID: strings.TrimSpace(q.Get("device_id"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New(p.key + " must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	return f, nil
}

func (c *ControlServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	var resp summaryResponse
	if c.svc.Devices != nil {
		resp.Summary = c.svc.Devices.Summary()
	}
	if c.svc.Measurements != nil {
		n, err := c.svc.Measurements.CountMeasurements(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiResponse{Ok: false, Error: err.Error()})
			return
		}
		resp.TotalMeasurements = n
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: resp})
}

func (c *ControlServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if c.svc.Server == nil {
		unavailable(w, "measurement server")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: c.svc.Server.Stats()})
}

func testRequestFromQuery(q url.Values) (orchestrator.Request, error) {
	req := orchestrator.Request{Target: strings.TrimSpace(q.Get("target"))}
	if v := q.Get("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return req, errors.New("port must be in 1..65535")
		}
		req.Port = port
	}
	if v := q.Get("duration"); v != "" {
		secs, err := strconv.Atoi(v)
		d := time.Duration(secs) * time.Second
		if err != nil || d < config.MinDuration || d > config.MaxDuration {
			return req, errors.New("duration must be whole seconds in " + config.MinDuration.String() + ".." + config.MaxDuration.String())
		}
		req.Duration = d
	}
	return req, nil
}

// handleSpeedtestStream runs one test and forwards its events to the caller
// as JSON text messages. Closing the socket cancels the test.
func (c *ControlServer) handleSpeedtestStream(w http.ResponseWriter, r *http.Request) {
	if !c.checkStreamAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c.svc.Tests == nil {
		http.Error(w, "test runner not available", http.StatusServiceUnavailable)
		return
	}
	req, err := testRequestFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if wait, ok := c.limiter.Allow(limitStream, clientIP(r)); !ok {
		setRetryAfter(w, wait)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if c.svc.Devices != nil {
		if dev, ok := c.svc.Devices.ResolveIP(r.RemoteAddr); ok {
			req.DeviceID = dev.ID
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return c.originAllowed(r) },
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The request context is detached from the hijacked connection, so a
	// reader goroutine notices the peer leaving.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	c.logger.Info("speedtest stream started", "client", clientIP(r), "device", req.DeviceID)
	events := c.svc.Tests.Run(ctx, req)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				c.logger.Debug("speedtest stream write failed", "client", clientIP(r), "error", err)
				cancel()
				for range events {
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				for range events {
				}
				return
			}
		}
	}
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: resp})
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	addrs := collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
	})
	if len(addrs) > 0 {
		return addrs
	}
	return collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0
	})
}

func collectIPs(ifaces []net.Interface, filter func(net.Interface) bool) []string {
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if !filter(iface) {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			if ip := addrToIP(addr); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

func addrToIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.IPNet:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	case *net.IPAddr:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	default:
		return ""
	}
}

func (c *ControlServer) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStreamAuth(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c *ControlServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, discovery.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, discovery.ErrInvalidMedium):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, apiResponse{Ok: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
