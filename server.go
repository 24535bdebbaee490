package tophat

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

const httpTimeout = 5 * time.Second
const wsPingInterval = 30 * time.Second
const wsWriteTimeout = time.Second

//go:embed templates static
var assets embed.FS

var healthServices = []string{"adc", "gpio", "rs485", "usb", "rpi_gpio"}

// errors a client can fix, everything else is a hardware failure
var badRequestErrors = []error{
	drivers.ErrUnsafePin,
	drivers.ErrInvalidMode,
	drivers.ErrPinNotConfigured,
	drivers.ErrPinNotOutput,
	drivers.ErrInvalidPort,
	drivers.ErrInvalidPin,
	drivers.ErrInvalidChannel,
	drivers.ErrEmptyMessage,
	drivers.ErrMessageTooLong,
}

type Server struct {
	th       *TopHat
	router   *httprouter.Router
	index    *template.Template
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewServer(th *TopHat) (*Server, error) {
	index, err := template.ParseFS(assets, "templates/index.html")
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse dashboard template")
	}
	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open static assets")
	}

	srv := &Server{
		th:    th,
		index: index,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "http",
			Level:  log.GetLevel(),
		}),
	}

	router := httprouter.New()
	router.GET("/", srv.handleIndex)
	router.ServeFiles("/static/*filepath", http.FS(static))
	router.GET("/json", srv.handleJson)
	router.GET("/health", srv.handleHealth)

	router.GET("/adc", srv.handleAdc)
	router.GET("/adc/:channel", srv.handleAdcChannel)

	router.GET("/gpio", srv.handleGpio)
	router.POST("/gpio/write/:port/:pin/:state", srv.handleGpioWrite)

	router.GET("/rpi_gpio", srv.handleRpiGpio)
	router.POST("/rpi_gpio/setup/:pin/:mode", srv.handleRpiGpioSetup)
	router.POST("/rpi_gpio/write/:pin/:state", srv.handleRpiGpioWrite)
	router.POST("/rpi_gpio/reset/:pin", srv.handleRpiGpioReset)

	router.POST("/rs485/send", srv.handleRs485Send)
	router.GET("/rs485/last", srv.handleRs485Last)
	router.GET("/rs485/ws", srv.handleRs485Ws)

	router.GET("/usb", srv.handleUsb)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, recovered interface{}) {
		srv.logger.Error("Internal server error", "path", r.URL.Path, "panic", recovered)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
	srv.router = router

	return srv, nil
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	srv.router.ServeHTTP(w, r)
}

// ListenAndServe serves the dashboard on HttpAddr until ctx is done.
func (th *TopHat) ListenAndServe(ctx context.Context) error {
	handler, err := NewServer(th)
	if err != nil {
		return err
	}

	addr := th.HttpAddr
	if len(addr) == 0 {
		addr = defaultHttpAddr
	}

	// no write timeout, /rs485/ws keeps its connection open
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	th.log().Info("dashboard listening", "addr", addr)

	select {
	case err = <-serverErr:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJson(w, status, map[string]string{"error": msg})
}

// writeDriverError picks the status for err: 400 for invalid requests, 503
// for a driver that went away, 500 with failMsg otherwise.
func (srv *Server) writeDriverError(w http.ResponseWriter, err error, failMsg string) {
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if errors.Is(err, drivers.ErrNotReady) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	srv.logger.Error(failMsg, "err", err)
	writeError(w, http.StatusInternalServerError, failMsg)
}

func (srv *Server) requireComponent(w http.ResponseWriter, component, name string) bool {
	if srv.th.Available(component) {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, name+" not available")
	return false
}

func pathInt(w http.ResponseWriter, p httprouter.Params, name string) (int, bool) {
	value, err := strconv.Atoi(p.ByName(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": "+p.ByName(name))
		return 0, false
	}
	return value, true
}

func pathState(w http.ResponseWriter, p httprouter.Params) (int, bool) {
	state, ok := pathInt(w, p, "state")
	if !ok {
		return 0, false
	}
	if state != 0 && state != 1 {
		writeError(w, http.StatusBadRequest, "State must be 0 or 1")
		return 0, false
	}
	return state, true
}

func pathRpiPin(w http.ResponseWriter, p httprouter.Params) (uint8, bool) {
	pin, ok := pathInt(w, p, "pin")
	if !ok {
		return 0, false
	}
	if pin < 0 || pin > 255 {
		writeError(w, http.StatusBadRequest, "Pin "+p.ByName("pin")+" is not safe to use")
		return 0, false
	}
	return uint8(pin), true
}

type indexData struct {
	Name     string
	SafePins []int
	Channels []string
}

func (srv *Server) handleIndex(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	data := indexData{Name: srv.th.name()}
	safePins := drivers.DefaultSafePins
	if srv.th.Gpio != nil {
		safePins = srv.th.Gpio.AllowedPins()
	}
	for _, pin := range safePins {
		data.SafePins = append(data.SafePins, int(pin))
	}
	for channel := 0; channel < drivers.AdsChannels; channel++ {
		data.Channels = append(data.Channels, drivers.ChannelName(channel))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := srv.index.Execute(w, data)
	if err != nil {
		srv.logger.Error("failed to render dashboard", "err", err)
	}
}

func (srv *Server) handleJson(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJson(w, http.StatusOK, srv.th.Snapshot(r.Context()))
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJson(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"services": healthServices,
	})
}

func (srv *Server) handleAdc(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentAdc, "ADS1015") {
		return
	}
	readings, err := srv.th.Adc.ReadAll(r.Context())
	if err != nil {
		srv.writeDriverError(w, err, "Failed to read ADC")
		return
	}
	writeJson(w, http.StatusOK, readings)
}

func (srv *Server) handleAdcChannel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentAdc, "ADS1015") {
		return
	}
	channel, ok := pathInt(w, p, "channel")
	if !ok {
		return
	}
	reading, err := srv.th.Adc.ReadChannel(r.Context(), channel)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to read ADC")
		return
	}
	writeJson(w, http.StatusOK, reading)
}

func (srv *Server) handleGpio(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentMcp23017, "MCP23017") {
		return
	}
	a, b, err := srv.th.Mcp23017.ReadPorts()
	if err != nil {
		srv.writeDriverError(w, err, "Failed to read GPIO")
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"gpio": map[drivers.Port]string{
			drivers.PortA: drivers.FormatPort(a),
			drivers.PortB: drivers.FormatPort(b),
		},
		"outputs": srv.th.Mcp23017.Outputs(),
	})
}

func (srv *Server) handleGpioWrite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentMcp23017, "MCP23017") {
		return
	}
	port, err := drivers.ParsePort(p.ByName("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Port must be 'A' or 'B'")
		return
	}
	pin, ok := pathInt(w, p, "pin")
	if !ok {
		return
	}
	if pin < 0 || pin > 7 {
		writeError(w, http.StatusBadRequest, "Pin must be between 0 and 7")
		return
	}
	state, ok := pathState(w, p)
	if !ok {
		return
	}

	outputs, err := srv.th.Mcp23017.SetOutput(port, uint8(pin), state == 1)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to write GPIO")
		return
	}
	srv.logger.Info("GPIO set", "port", port, "pin", pin, "state", state)

	writeJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"port":    port,
		"pin":     pin,
		"state":   state,
		"outputs": outputs,
	})
}

func (srv *Server) handleRpiGpio(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRpiGpio, "Raspberry Pi GPIO") {
		return
	}
	writeJson(w, http.StatusOK, srv.th.RpiGpioStatus())
}

func (srv *Server) handleRpiGpioSetup(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRpiGpio, "Raspberry Pi GPIO") {
		return
	}
	pin, ok := pathRpiPin(w, p)
	if !ok {
		return
	}
	mode, err := drivers.ParsePinMode(p.ByName("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Mode must be 'IN' or 'OUT'")
		return
	}

	err = srv.th.Gpio.SetupPin(pin, mode)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to setup GPIO pin")
		return
	}
	srv.logger.Info("RPi GPIO pin set up", "pin", pin, "mode", mode)

	status := srv.th.RpiGpioStatus()
	writeJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"pin":     pin,
		"mode":    mode,
		"configs": status.Configs,
		"states":  status.States,
	})
}

func (srv *Server) handleRpiGpioWrite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRpiGpio, "Raspberry Pi GPIO") {
		return
	}
	pin, ok := pathRpiPin(w, p)
	if !ok {
		return
	}
	state, ok := pathState(w, p)
	if !ok {
		return
	}

	err := srv.th.Gpio.WritePin(pin, state == 1)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to write GPIO pin")
		return
	}
	srv.logger.Info("RPi GPIO pin written", "pin", pin, "state", state)

	writeJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"pin":     pin,
		"state":   state,
		"states":  srv.th.RpiGpioStatus().States,
	})
}

func (srv *Server) handleRpiGpioReset(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRpiGpio, "Raspberry Pi GPIO") {
		return
	}
	pin, ok := pathRpiPin(w, p)
	if !ok {
		return
	}

	err := srv.th.Gpio.ResetPin(pin)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to reset GPIO pin")
		return
	}
	srv.logger.Info("RPi GPIO pin reset", "pin", pin)

	status := srv.th.RpiGpioStatus()
	writeJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"pin":     pin,
		"configs": status.Configs,
		"states":  status.States,
	})
}

type rs485SendRequest struct {
	Msg string `json:"msg"`
}

func (srv *Server) handleRs485Send(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRs485, "RS-485") {
		return
	}

	var msg string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req := rs485SendRequest{}
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg = req.Msg
	} else {
		msg = r.FormValue("msg")
	}

	_, err := srv.th.Rs485.Send(msg)
	if err != nil {
		srv.writeDriverError(w, err, "Failed to send message")
		return
	}

	// echo the request as given, the wire gets the trimmed text
	writeJson(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"sent":    msg,
	})
}

func (srv *Server) handleRs485Last(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var last *string
	if srv.th.Available(ComponentRs485) {
		last = srv.th.Rs485.LastMessage()
	}
	writeJson(w, http.StatusOK, map[string]*string{"last": last})
}

type rs485Event struct {
	Msg  string    `json:"msg"`
	Time time.Time `json:"time"`
}

// handleRs485Ws streams every received RS-485 line to the client until it
// disconnects.
func (srv *Server) handleRs485Ws(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentRs485, "RS-485") {
		return
	}
	// subscribed before the upgrade so nothing sent after the handshake is lost
	events := make(chan rs485Event, 16)
	unsubscribe := srv.th.Rs485.Subscribe(func(msg string) {
		select {
		case events <- rs485Event{Msg: msg, Time: time.Now()}:
		default:
			// slow client, drop
		}
	})
	defer unsubscribe()

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	connId := uuid.New().String()
	srv.logger.Debug("rs485 stream opened", "conn", connId, "remote", r.RemoteAddr)
	defer srv.logger.Debug("rs485 stream closed", "conn", connId)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					srv.logger.Warn("websocket write failed", "conn", connId, "err", err)
				}
				return
			}
		case <-ping.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			if err != nil {
				return
			}
		}
	}
}

func (srv *Server) handleUsb(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !srv.requireComponent(w, ComponentUsb, "USB monitor") {
		return
	}
	devices, err := srv.th.Usb.Devices()
	if err != nil {
		srv.writeDriverError(w, err, "Failed to read USB status")
		return
	}

	ports, err := drivers.SerialPorts()
	if err != nil {
		srv.logger.Debug("serial port enumeration failed", "err", err)
		ports = []drivers.SerialPortInfo{}
	}

	writeJson(w, http.StatusOK, map[string]interface{}{
		"usb_connected": len(devices) > 0,
		"usb_devices":   devices,
		"serial_ports":  ports,
	})
}
