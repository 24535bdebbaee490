package drivers

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

const rs485DriverName = "rs485"

const (
	rs485DefaultPort      = "/dev/serial0"
	rs485DefaultBaud      = 9600
	rs485DefaultDePin     = 6
	rs485DefaultSettle    = 10 * time.Millisecond
	rs485ReadTimeout      = time.Second
	rs485ReadErrorBackoff = time.Second
	rs485ReadBufferSize   = 256
	Rs485MaxMessageLength = 255
)

// SerialPort is the part of a serial port the RS-485 driver uses.
type SerialPort interface {
	io.ReadWriteCloser
	Drain() error
}

func openSerialPort(name string, baud int) (SerialPort, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err = port.SetReadTimeout(rs485ReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

type Rs485 struct {
	PortName   string
	Baud       int
	DePin      uint8
	DisableDe  bool
	TxSettleMs int

	port      SerialPort
	de        DigitalOutput
	logger    *log.Logger
	last      *string
	lastAt    time.Time
	listeners map[int]func(string)
	nextId    int
	stateLock sync.Mutex
	txLock    sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	isReady   bool
}

func (rs *Rs485) String() string {
	return rs485DriverName
}

func (rs *Rs485) portName() string {
	if rs.PortName == "" {
		return rs485DefaultPort
	}
	return rs.PortName
}

func (rs *Rs485) baud() int {
	if rs.Baud == 0 {
		return rs485DefaultBaud
	}
	return rs.Baud
}

func (rs *Rs485) dePin() uint8 {
	if rs.DePin == 0 {
		return rs485DefaultDePin
	}
	return rs.DePin
}

func (rs *Rs485) settle() time.Duration {
	if rs.TxSettleMs == 0 {
		return rs485DefaultSettle
	}
	return time.Duration(rs.TxSettleMs) * time.Millisecond
}

func (rs *Rs485) IsReady() bool {
	rs.stateLock.Lock()
	defer rs.stateLock.Unlock()
	return rs.isReady
}

// AttachDe claims the transceiver direction line on gp, driven low (receive).
func (rs *Rs485) AttachDe(gp *GpIO) error {
	if rs.DisableDe {
		return nil
	}
	if gp == nil || !gp.IsReady() {
		return errors.Wrap(ErrNotReady, "rs485 direction pin needs gpio")
	}
	out, err := gp.ReservePin(rs.dePin(), false)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve rs485 DE pin %d", rs.dePin())
	}
	rs.de = out
	return nil
}

func (rs *Rs485) Setup(ctx context.Context) error {
	port, err := openSerialPort(rs.portName(), rs.baud())
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", rs.portName())
	}
	return rs.SetupWithPort(ctx, port)
}

// SetupWithPort starts the receive loop on port. It runs until ctx is
// cancelled or Close is called.
func (rs *Rs485) SetupWithPort(ctx context.Context, port SerialPort) error {
	rs.stateLock.Lock()
	defer rs.stateLock.Unlock()

	if rs.isReady {
		return errors.New("rs485 already set up")
	}
	if rs.logger == nil {
		rs.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "rs485",
			Level:  log.GetLevel(),
		})
	}
	if rs.listeners == nil {
		rs.listeners = make(map[int]func(string))
	}

	rs.port = port
	loopCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})
	rs.isReady = true

	go rs.listen(loopCtx, port, rs.done)
	return nil
}

func (rs *Rs485) SetLogger(logger *log.Logger) {
	rs.logger = logger
}

func (rs *Rs485) listen(ctx context.Context, port SerialPort, done chan struct{}) {
	defer close(done)

	buf := make([]byte, rs485ReadBufferSize)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rs.logger.Error("read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rs485ReadErrorBackoff):
			}
			continue
		}

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := pending[:idx]
			pending = pending[idx+1:]
			rs.receive(line)
		}
	}
}

func (rs *Rs485) receive(line []byte) {
	msg := strings.TrimSpace(strings.ToValidUTF8(string(line), "�"))
	if msg == "" {
		return
	}
	rs.logger.Info("RX", "msg", msg)

	rs.stateLock.Lock()
	rs.last = &msg
	rs.lastAt = time.Now()
	listeners := make([]func(string), 0, len(rs.listeners))
	for _, fn := range rs.listeners {
		listeners = append(listeners, fn)
	}
	rs.stateLock.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

// LastMessage returns the most recent received line, nil before the first.
func (rs *Rs485) LastMessage() *string {
	rs.stateLock.Lock()
	defer rs.stateLock.Unlock()

	if rs.last == nil {
		return nil
	}
	msg := *rs.last
	return &msg
}

func (rs *Rs485) LastMessageAt() time.Time {
	rs.stateLock.Lock()
	defer rs.stateLock.Unlock()
	return rs.lastAt
}

// Subscribe registers fn for every received line. fn runs on the receive
// goroutine and must not block.
func (rs *Rs485) Subscribe(fn func(string)) (unsubscribe func()) {
	rs.stateLock.Lock()
	defer rs.stateLock.Unlock()

	if rs.listeners == nil {
		rs.listeners = make(map[int]func(string))
	}
	id := rs.nextId
	rs.nextId++
	rs.listeners[id] = fn

	return func() {
		rs.stateLock.Lock()
		defer rs.stateLock.Unlock()
		delete(rs.listeners, id)
	}
}

// ValidateMessage returns the trimmed message or the reason it can't be sent.
func ValidateMessage(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(msg)) > Rs485MaxMessageLength {
		return "", errors.Wrapf(ErrMessageTooLong, "max %d chars", Rs485MaxMessageLength)
	}
	return trimmed, nil
}

// Send writes msg terminated by a newline with the transceiver switched to
// transmit, and returns the trimmed text that went out.
func (rs *Rs485) Send(msg string) (string, error) {
	trimmed, err := ValidateMessage(msg)
	if err != nil {
		return "", err
	}
	if !rs.IsReady() {
		return "", ErrNotReady
	}

	rs.txLock.Lock()
	defer rs.txLock.Unlock()

	if rs.de != nil {
		if err = rs.de.Set(true); err != nil {
			return "", errors.Wrap(err, "failed to enable rs485 transmit")
		}
		defer rs.de.Set(false)
		time.Sleep(rs.settle())
	}

	if _, err = rs.port.Write([]byte(trimmed + "\n")); err != nil {
		return "", errors.Wrap(err, "rs485 write failed")
	}
	if err = rs.port.Drain(); err != nil {
		return "", errors.Wrap(err, "rs485 drain failed")
	}
	rs.logger.Info("TX", "msg", trimmed)

	return trimmed, nil
}

func (rs *Rs485) Close() error {
	rs.stateLock.Lock()
	if !rs.isReady {
		rs.stateLock.Unlock()
		return nil
	}
	rs.isReady = false
	cancel, done, port := rs.cancel, rs.done, rs.port
	rs.stateLock.Unlock()

	cancel()
	err := port.Close()
	<-done

	if rs.de != nil {
		rs.de.Set(false)
	}
	return err
}
